// Package address is the canonical peer-endpoint value used throughout the
// ingress pipeline. It wraps the raw net.Addr delivered by the socket layer
// with a fixed-size representation whose Key form is used as the map key of
// the optional address-routing side table.
package address

import (
	"net"
	"net/netip"
)

// Family distinguishes IPv4 from IPv6 peers.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Address is an immutable peer-endpoint value. Two Addresses have equal
// Bytes and Key iff their family, bytes and port match; == additionally
// compares the raw net.Addr each was built from.
type Address struct {
	family Family
	bytes  [16]byte
	port   uint16
	raw    net.Addr
}

// FromUDPAddr builds an Address from the *net.UDPAddr the socket layer
// hands back on every read. Malformed input (nil addr, or an IP that is
// neither 4 nor 16 bytes) is a programming error on the caller's part, per
// spec.md §4.1, and panics rather than being threaded through as an error
// return that every caller would have to check.
func FromUDPAddr(a *net.UDPAddr) Address {
	if a == nil {
		panic("address: nil *net.UDPAddr")
	}
	ip, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		panic("address: malformed IP in *net.UDPAddr")
	}
	ip = ip.Unmap()

	out := Address{port: uint16(a.Port), raw: a}
	if ip.Is4() {
		out.family = FamilyV4
		b := ip.As4()
		copy(out.bytes[:4], b[:])
	} else {
		out.family = FamilyV6
		b := ip.As16()
		copy(out.bytes[:], b[:])
	}
	return out
}

// Family reports whether the peer connected over IPv4 or IPv6.
func (a Address) Family() Family { return a.family }

// Port is the peer's UDP port.
func (a Address) Port() uint16 { return a.port }

// IP reconstructs the peer's IP address.
func (a Address) IP() netip.Addr {
	if a.family == FamilyV4 {
		var b [4]byte
		copy(b[:], a.bytes[:4])
		return netip.AddrFrom4(b)
	}
	return netip.AddrFrom16(a.bytes)
}

// Raw returns the opaque net.Addr required by the sender when writing back
// to the peer through the UDP socket it arrived on.
func (a Address) Raw() net.Addr { return a.raw }

// Bytes returns the canonical byte encoding used to bind tokens and
// address-routing side-table keys to this peer: a family tag, the 4 or 16
// address bytes, and the big-endian port.
func (a Address) Bytes() []byte {
	n := 4
	if a.family == FamilyV6 {
		n = 16
	}
	out := make([]byte, 0, 1+n+2)
	out = append(out, byte(a.family))
	out = append(out, a.bytes[:n]...)
	out = append(out, byte(a.port>>8), byte(a.port))
	return out
}

// Key returns the Bytes encoding as a string, usable as a map key.
func (a Address) Key() string { return string(a.Bytes()) }
