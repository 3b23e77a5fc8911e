// Package packet classifies a raw UDP datagram into just enough of a QUIC
// header to let the dispatcher route it: peer, payload, SCID, DCID, token,
// version and kind. It never touches encrypted payload contents and makes
// no routing decisions of its own, per spec.md §4.4.
//
// Grounded on the long/short header layout quic-go's internal/wire package
// parses (header form bit, type bits, length-prefixed connection IDs,
// varint token length on Initial) generalized here into a single
// self-contained parser, since the real frame/crypto parsing that package
// also does belongs to the out-of-scope QUIC engine.
package packet

import (
	"encoding/binary"
	"net"

	"github.com/requiem-go/requiem/address"
	"github.com/requiem-go/requiem/internal/errs"
)

// Kind is one of the packet types the dispatcher distinguishes.
type Kind int

const (
	KindInitial Kind = iota
	KindHandshake
	KindZeroRTT
	KindShort
	KindRetry
	KindVersionNegotiation
)

func (k Kind) String() string {
	switch k {
	case KindInitial:
		return "initial"
	case KindHandshake:
		return "handshake"
	case KindZeroRTT:
		return "0rtt"
	case KindShort:
		return "short"
	case KindRetry:
		return "retry"
	case KindVersionNegotiation:
		return "version_negotiation"
	default:
		return "unknown"
	}
}

// longHeaderTypeBits, shifted into position, select the packet type within
// a QUIC v1 long header (RFC 9000 §17.2).
const (
	longTypeInitial   = 0x0
	longTypeZeroRTT   = 0x1
	longTypeHandshake = 0x2
	longTypeRetry     = 0x3
)

const (
	formLongHeader = 0x80 // bit 7
	fixedBit       = 0x40 // bit 6, must be 1 for QUIC v1
)

// Classified is the output of Classify: everything the dispatcher needs to
// route one datagram.
type Classified struct {
	Peer             address.Address
	Raw              net.Addr
	Payload          []byte
	SCID             []byte
	DCID             []byte
	Token            []byte
	Version          uint32
	Kind             Kind
	VersionSupported bool
}

// SupportedVersions is the set of QUIC versions this server negotiates.
// QUIC v1 is RFC 9000's version number.
var SupportedVersions = map[uint32]bool{
	0x00000001: true,
}

// Classify parses raw's header. peer is the source address the socket layer
// already resolved. versions, if non-nil, overrides SupportedVersions.
func Classify(raw []byte, peerAddr *net.UDPAddr, versions map[uint32]bool) (Classified, error) {
	if versions == nil {
		versions = SupportedVersions
	}
	if len(raw) < 1 {
		return Classified{}, errs.ErrMalformedPacket
	}

	peer := address.FromUDPAddr(peerAddr)
	first := raw[0]

	if first&formLongHeader == 0 {
		return classifyShort(peer, peerAddr, raw)
	}
	return classifyLong(peer, peerAddr, raw, first, versions)
}

func classifyShort(peer address.Address, raw net.Addr, data []byte) (Classified, error) {
	// Short headers carry a DCID of implementation-defined length; this
	// server always issues connid.Length-byte CIDs, so any short-header
	// packet addressed to us carries exactly that many DCID bytes,
	// followed by the (encrypted) payload. A packet shorter than that is
	// malformed.
	const dcidLen = 20
	if len(data) < 1+dcidLen {
		return Classified{}, errs.ErrMalformedPacket
	}
	dcid := data[1 : 1+dcidLen]
	payload := data[1+dcidLen:]
	return Classified{
		Peer:    peer,
		Raw:     raw,
		Payload: payload,
		DCID:    dcid,
		Kind:    KindShort,
	}, nil
}

func classifyLong(peer address.Address, raw net.Addr, data []byte, first byte, versions map[uint32]bool) (Classified, error) {
	if len(data) < 5 {
		return Classified{}, errs.ErrMalformedPacket
	}
	version := binary.BigEndian.Uint32(data[1:5])
	off := 5

	dcid, off, err := readLenPrefixedID(data, off)
	if err != nil {
		return Classified{}, err
	}
	scid, off, err := readLenPrefixedID(data, off)
	if err != nil {
		return Classified{}, err
	}

	supported := versions[version]

	// Version 0 on a long header is itself a Version Negotiation packet
	// (servers never receive these from a well-behaved client, but a
	// malformed/adversarial one might send one). It is classified as
	// KindVersionNegotiation rather than mis-parsed as Initial type bits
	// that don't exist for version 0; the dispatcher routes it through the
	// REGULAR branch, so it is never answered.
	if version == 0 {
		return Classified{
			Peer: peer, Raw: raw, SCID: scid, DCID: dcid,
			Version: version, Kind: KindVersionNegotiation, VersionSupported: false,
		}, nil
	}

	if !supported {
		// We cannot safely interpret type-specific fields (token length,
		// packet number length) for a version we don't speak, so don't
		// try: the dispatcher only needs SCID/DCID to build the reply.
		return Classified{
			Peer: peer, Raw: raw, SCID: scid, DCID: dcid,
			Version: version, Kind: KindInitial, VersionSupported: false,
		}, nil
	}

	typeBits := (first & 0x30) >> 4
	switch typeBits {
	case longTypeInitial:
		token, payloadOff, err := readVarintPrefixedToken(data, off)
		if err != nil {
			return Classified{}, err
		}
		return Classified{
			Peer: peer, Raw: raw, Payload: data[payloadOff:], SCID: scid, DCID: dcid,
			Token: token, Version: version, Kind: KindInitial, VersionSupported: true,
		}, nil
	case longTypeZeroRTT:
		return Classified{
			Peer: peer, Raw: raw, Payload: data[off:], SCID: scid, DCID: dcid,
			Version: version, Kind: KindZeroRTT, VersionSupported: true,
		}, nil
	case longTypeHandshake:
		return Classified{
			Peer: peer, Raw: raw, Payload: data[off:], SCID: scid, DCID: dcid,
			Version: version, Kind: KindHandshake, VersionSupported: true,
		}, nil
	case longTypeRetry:
		return Classified{
			Peer: peer, Raw: raw, Payload: data[off:], SCID: scid, DCID: dcid,
			Version: version, Kind: KindRetry, VersionSupported: true,
		}, nil
	default:
		return Classified{}, errs.ErrMalformedPacket
	}
}

func readLenPrefixedID(data []byte, off int) (id []byte, next int, err error) {
	if off >= len(data) {
		return nil, 0, errs.ErrMalformedPacket
	}
	n := int(data[off])
	off++
	if off+n > len(data) {
		return nil, 0, errs.ErrMalformedPacket
	}
	return data[off : off+n : off+n], off + n, nil
}

// readVarintPrefixedToken reads a QUIC variable-length integer (RFC 9000
// §16) giving the token length, then the token itself.
func readVarintPrefixedToken(data []byte, off int) (token []byte, next int, err error) {
	length, n, ok := readVarint(data[off:])
	if !ok {
		return nil, 0, errs.ErrMalformedPacket
	}
	off += n
	if off+int(length) > len(data) {
		return nil, 0, errs.ErrMalformedPacket
	}
	return data[off : off+int(length) : off+int(length)], off + int(length), nil
}

// readVarint decodes a QUIC variable-length integer from the front of data,
// returning its value, the number of bytes consumed, and whether decoding
// succeeded.
func readVarint(data []byte) (value uint64, n int, ok bool) {
	if len(data) < 1 {
		return 0, 0, false
	}
	length := 1 << (data[0] >> 6)
	if len(data) < length {
		return 0, 0, false
	}
	v := uint64(data[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(data[i])
	}
	return v, length, true
}
