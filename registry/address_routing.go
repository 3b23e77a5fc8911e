package registry

import (
	"sync"

	"github.com/requiem-go/requiem/address"
)

// AddressRoutingEntry is one peer's current local CID, per SPEC_FULL.md's
// resolution of Open Question 2: spec.md's allow_address_routing option is
// named but left unspecified in shape. This module implements it as a
// mutex-protected map from a canonicalized peer address to the CID that
// last forwarded successfully for that peer. The dispatcher only writes it
// and never routes by it — actual connection-migration validation
// belongs to the out-of-scope QUIC engine; this table only gives an
// operator a cheap way to answer "what connection is this address
// currently associated with" without scanning the CID registry.
type AddressRoutingEntry struct {
	CID  []byte
	Peer address.Address
}

// AddressRouting is an optional side table, enabled by spec.md §6's
// allow_address_routing flag. It is deliberately a separate type from
// Registry (rather than a second map bolted onto it) since it is keyed by
// address instead of CID and has no tombstone/grace-window semantics: a
// stale entry is harmless, the next successful forward overwrites it.
type AddressRouting struct {
	mu      sync.RWMutex
	entries map[string]AddressRoutingEntry
}

// NewAddressRouting creates an empty side table.
func NewAddressRouting() *AddressRouting {
	return &AddressRouting{entries: make(map[string]AddressRoutingEntry)}
}

// Update records that peer is currently forwarding to cid. Called
// opportunistically by the dispatcher on every successful forward; never on
// a drop, since a dropped packet's peer/CID pairing isn't trustworthy.
func (r *AddressRouting) Update(peer address.Address, cid []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[peer.Key()] = AddressRoutingEntry{CID: append([]byte{}, cid...), Peer: peer}
}

// Lookup returns the CID last associated with peer, if any.
func (r *AddressRouting) Lookup(peer address.Address) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[peer.Key()]
	if !ok {
		return nil, false
	}
	return e.CID, true
}

// Remove deletes peer's entry, if any. Nothing in this module calls it when
// a connection terminates, so an entry keeps pointing at a dead CID until
// the next successful forward from that address overwrites it.
func (r *AddressRouting) Remove(peer address.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, peer.Key())
}

// Size reports the number of tracked addresses, for metrics and tests.
func (r *AddressRouting) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
