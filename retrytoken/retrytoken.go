// Package retrytoken mints and validates opaque, address-bound,
// time-limited address-validation tokens used by the Retry packet flow.
//
// Grounded on quic-go's internal/handshake/token_generator.go (payload
// shape: remote address, original destination CID, issuance timestamp) and
// token_protector.go (AEAD sealing with a key derived via HKDF-SHA256 from a
// process-wide secret, using a random per-token nonce). This package adds
// the newly-issued CID to the bound fields, per spec.md §3, so a token only
// validates for the connection it was issued for.
package retrytoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/requiem-go/requiem/address"
	"github.com/requiem-go/requiem/connid"
	"github.com/requiem-go/requiem/internal/errs"
)

// Secret is the process-wide key used to seal and open tokens. Immutable
// for the process lifetime, per spec.md §3.
type Secret [32]byte

// NewSecret copies raw into a Secret. raw must be at least 32 bytes.
func NewSecret(raw []byte) Secret {
	if len(raw) < 32 {
		panic("retrytoken: secret must be at least 32 bytes")
	}
	var s Secret
	copy(s[:], raw[:32])
	return s
}

// DefaultExpiry is the recommended address-validation window from
// spec.md §4.3.
const DefaultExpiry = 10 * time.Second

const (
	nonceSize = 32
	hkdfInfo  = "requiem retry token v1"
)

// payload is the fixed-width, length-prefixed plaintext sealed inside a
// token: odcid and newCID are each length-prefixed since connection IDs in
// general QUIC deployments can vary in length even though this server's own
// issued CIDs are fixed at connid.Length.
type payload struct {
	addr      []byte
	odcid     []byte
	newCID    []byte
	issuedAt  int64 // unix nanoseconds
}

func encodePayload(p payload) []byte {
	buf := make([]byte, 0, 4+len(p.addr)+4+len(p.odcid)+4+len(p.newCID)+8)
	buf = appendLenPrefixed(buf, p.addr)
	buf = appendLenPrefixed(buf, p.odcid)
	buf = appendLenPrefixed(buf, p.newCID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.issuedAt))
	return buf
}

func appendLenPrefixed(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

func decodePayload(data []byte) (payload, error) {
	var p payload
	var err error
	data, p.addr, err = takeLenPrefixed(data)
	if err != nil {
		return payload{}, err
	}
	data, p.odcid, err = takeLenPrefixed(data)
	if err != nil {
		return payload{}, err
	}
	data, p.newCID, err = takeLenPrefixed(data)
	if err != nil {
		return payload{}, err
	}
	if len(data) != 8 {
		return payload{}, errors.New("retrytoken: trailing timestamp malformed")
	}
	p.issuedAt = int64(binary.BigEndian.Uint64(data))
	return p, nil
}

func takeLenPrefixed(data []byte) (rest, field []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errors.New("retrytoken: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, errors.New("retrytoken: truncated field")
	}
	return data[n:], data[:n:n], nil
}

// Mint produces a token binding peer, odcid (the client's original DCID)
// and newCID (the CID the server is about to ask the client to use) under
// secret, stamped with the current time.
func Mint(peer address.Address, odcid, newCID []byte, secret Secret) ([]byte, error) {
	return mintAt(peer, odcid, newCID, secret, time.Now())
}

func mintAt(peer address.Address, odcid, newCID []byte, secret Secret, now time.Time) ([]byte, error) {
	data := encodePayload(payload{
		addr:     peer.Bytes(),
		odcid:    odcid,
		newCID:   newCID,
		issuedAt: now.UnixNano(),
	})

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("retrytoken: generating nonce: %w", err)
	}
	aead, aeadNonce, err := aeadFor(secret, nonce[:])
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, aeadNonce, data, nil)
	return append(nonce[:], sealed...), nil
}

// Validate opens token and checks that it was minted for peer and newCID,
// and that it has not expired. On success it returns the ODCID that was
// bound into the token. Any failure — too short, bad MAC, wrong peer, wrong
// CID, or expired — returns errs.ErrInvalidToken; per spec.md's flagged
// ambiguity, every validation failure is always a drop, never a stateless
// reset.
func Validate(peer address.Address, newCID []byte, secret Secret, token []byte) ([]byte, error) {
	return validateAt(peer, newCID, secret, token, time.Now(), DefaultExpiry)
}

func validateAt(peer address.Address, newCID []byte, secret Secret, token []byte, now time.Time, expiry time.Duration) ([]byte, error) {
	if len(token) < nonceSize {
		return nil, errs.ErrInvalidToken
	}
	nonce := token[:nonceSize]
	aead, aeadNonce, err := aeadFor(secret, nonce)
	if err != nil {
		return nil, errs.ErrInvalidToken
	}
	data, err := aead.Open(nil, aeadNonce, token[nonceSize:], nil) // constant-time MAC check
	if err != nil {
		return nil, errs.ErrInvalidToken
	}
	p, err := decodePayload(data)
	if err != nil {
		return nil, errs.ErrInvalidToken
	}
	if string(p.addr) != string(peer.Bytes()) {
		return nil, errs.ErrInvalidToken
	}
	if string(p.newCID) != string(newCID) {
		return nil, errs.ErrInvalidToken
	}
	if now.Sub(time.Unix(0, p.issuedAt)) > expiry {
		return nil, errs.ErrInvalidToken
	}
	return p.odcid, nil
}

func aeadFor(secret Secret, nonce []byte) (cipher.AEAD, []byte, error) {
	prk := hkdf.Extract(sha256.New, secret[:], nonce)
	expanded := make([]byte, 32+12)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(hkdfInfo)), expanded); err != nil {
		return nil, nil, err
	}
	key, aeadNonce := expanded[:32], expanded[32:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	return gcm, aeadNonce, nil
}

// MintFor is a convenience wrapper that derives the new CID via connid and
// mints a token for it in one call, matching the INIT branch of spec.md
// §4.7's Retry path.
func MintFor(peer address.Address, odcid []byte, secret Secret, cidSecret connid.Secret) (newCID connid.CID, token []byte, err error) {
	newCID = connid.Derive(cidSecret, odcid)
	token, err = Mint(peer, odcid, newCID.Bytes(), secret)
	return
}
