// Package connid derives the server's local connection ID from a peer's
// destination connection ID. Derivation is a keyed PRF, so the same DCID
// always yields the same local CID under a given secret: a retry and its
// follow-up Initial bind together without the server having to remember
// anything about the peer before address validation succeeds.
//
// Grounded on quic-go's internal/handshake token_protector.go, which derives
// an AEAD key and nonce from a secret via HKDF-SHA256; here the same keyed-
// PRF idea is used to derive a CID rather than a cipher key, so HMAC-SHA256
// is the simpler, more direct primitive (quic-go's choice of HKDF+AES-GCM is
// for token *confidentiality and authentication*, not plain derivation).
package connid

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Length is the size, in bytes, of every connection ID this server issues.
const Length = 20

// Secret is the process-wide keyed-PRF key used to derive local connection
// IDs. It must be at least 32 bytes and is immutable for the process
// lifetime, per spec.md §3.
type Secret [32]byte

// NewSecret copies raw into a Secret. raw must be at least 32 bytes; only
// the first 32 are used.
func NewSecret(raw []byte) Secret {
	if len(raw) < 32 {
		panic("connid: secret must be at least 32 bytes")
	}
	var s Secret
	copy(s[:], raw[:32])
	return s
}

// CID is a derived local connection ID: always exactly Length bytes.
type CID [Length]byte

// Bytes returns the connection ID as a slice, useful for map keys and wire
// encoding.
func (c CID) Bytes() []byte { return c[:] }

// Derive computes the local connection ID for a given peer DCID under
// secret. Deterministic and length Length for any input, including a
// zero-length DCID (legal only on a client's very first Initial, per
// spec.md §3).
func Derive(secret Secret, dcid []byte) CID {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(dcid)
	sum := mac.Sum(nil) // 32 bytes

	var cid CID
	copy(cid[:], sum[:Length])
	return cid
}
