// Package devengine is a standalone backend for the external quicapi
// collaborators (Config, PacketBuilder, Acceptor, Connection) that spec.md
// explicitly places out of scope: "implementing QUIC frame parsing or
// crypto" is a named Non-goal of this module. cmd/requiemd wires this
// package by default so the binary runs end-to-end without a real engine
// attached; an operator wiring a production QUIC stack replaces these three
// factories with ones backed by that stack and leaves everything upstream
// of quicapi (address, connid, retrytoken, packet, registry, supervisor,
// dispatch, socket, sender) untouched.
//
// Grounded on the teacher's own demonstration TLS config
// (generateTLSConfig in zllovesuki-specter's cmd/server/main.go builds a
// throwaway self-signed certificate so the example binary runs without
// external provisioning); this package is that same idea applied to the
// whole engine boundary instead of just certificates.
package devengine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/requiem-go/requiem/internal/config"
	"github.com/requiem-go/requiem/internal/errs"
	"github.com/requiem-go/requiem/internal/quicapi"
)

// Config is the devengine's quicapi.Config: a snapshot of the transport
// knobs, kept only so Close has something to release symmetrically with a
// real engine's handle.
type Config struct {
	transport config.Transport
	closed    atomic.Bool
}

// Close is idempotent.
func (c *Config) Close() error {
	c.closed.Store(true)
	return nil
}

// NewConfigFactory returns a quicapi.ConfigFactory that mints a Config
// snapshotting t, one per dispatcher, per spec.md §5's per-dispatcher
// ownership rule.
func NewConfigFactory(t config.Transport) quicapi.ConfigFactory {
	return func() (quicapi.Config, error) {
		return &Config{transport: t}, nil
	}
}

// PacketBuilder builds the two stateless reply packets on the wire format
// packet.go's Classify parses, without any of the cryptographic protections
// (Retry Integrity Tag, Initial packet protection) a real engine applies;
// the replies this produces are for exercising the dispatch pipeline
// end-to-end, not for interoperating with a real QUIC client.
type PacketBuilder struct {
	closed atomic.Bool
}

func (p *PacketBuilder) Close() error {
	p.closed.Store(true)
	return nil
}

// BuildVersionNegotiation builds a long-header Version Negotiation packet:
// version field 0, the peer's SCID/DCID roles swapped, followed by this
// module's one supported version (RFC 9000 §6.1).
func (p *PacketBuilder) BuildVersionNegotiation(scid, dcid []byte) ([]byte, error) {
	buf := make([]byte, 0, 1+4+1+len(scid)+1+len(dcid)+4)
	buf = append(buf, 0x80)
	buf = append(buf, 0, 0, 0, 0) // version 0 marks Version Negotiation
	buf = append(buf, byte(len(scid)))
	buf = append(buf, scid...)
	buf = append(buf, byte(len(dcid)))
	buf = append(buf, dcid...)
	buf = binary.BigEndian.AppendUint32(buf, 0x00000001)
	return buf, nil
}

// BuildRetry builds a long-header Retry packet addressed to the peer's
// SCID, carrying newCID as its source connection ID, followed by token.
// The trailing 16 bytes stand in for the Retry Integrity Tag a real engine
// computes from the client's original DCID (RFC 9000 §5.8); this
// implementation fills it with random bytes since no client outside a test
// harness will ever validate it.
func (p *PacketBuilder) BuildRetry(scid, dcid, newCID, token []byte, version uint32) ([]byte, error) {
	buf := make([]byte, 0, 1+4+1+len(scid)+1+len(newCID)+len(token)+16)
	buf = append(buf, 0x80|0x30) // long header, type bits = Retry
	buf = binary.BigEndian.AppendUint32(buf, version)
	buf = append(buf, byte(len(scid)))
	buf = append(buf, scid...)
	buf = append(buf, byte(len(newCID)))
	buf = append(buf, newCID...)
	buf = append(buf, token...)
	tag := make([]byte, 16)
	if _, err := rand.Read(tag); err != nil {
		return nil, fmt.Errorf("devengine: generating retry integrity tag: %w", err)
	}
	return append(buf, tag...), nil
}

// NewPacketBuilderFactory returns a quicapi.PacketBuilderFactory; cfg is
// unused beyond satisfying the signature, since this engine needs no
// per-dispatcher state to build these two packet shapes.
func NewPacketBuilderFactory() quicapi.PacketBuilderFactory {
	return func(cfg quicapi.Config) (quicapi.PacketBuilder, error) {
		return &PacketBuilder{}, nil
	}
}

// Connection is the devengine's quicapi.Connection: it tracks byte counts
// and closed state but performs no handshake, no stream multiplexing and no
// decryption, since that is the out-of-scope engine surface.
type Connection struct {
	logger *zap.Logger
	scid   []byte
	odcid  []byte
	peer   net.Addr

	mu        sync.Mutex
	closed    bool
	destroyed bool
	bytesSeen uint64
}

func (c *Connection) ProcessPacket(ctx context.Context, peer net.Addr, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrAlreadyClosed
	}
	c.bytesSeen += uint64(len(payload))
	return nil
}

func (c *Connection) Close(app bool, code uint64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug("devengine connection closed",
		zap.Bool("application_close", app), zap.Uint64("code", code), zap.String("reason", reason))
	return nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

// Acceptor mints devengine Connections for every validated Initial the
// supervisor accepts.
type Acceptor struct {
	logger *zap.Logger
}

// NewAcceptor builds an Acceptor logging through logger.
func NewAcceptor(logger *zap.Logger) *Acceptor {
	return &Acceptor{logger: logger}
}

func (a *Acceptor) Accept(ctx context.Context, scid, odcid []byte, peer net.Addr, cfg quicapi.Config) (quicapi.Connection, error) {
	a.logger.Debug("devengine accepting connection",
		zap.Binary("scid", scid), zap.Binary("odcid", odcid), zap.Stringer("peer", peer))
	return &Connection{logger: a.logger, scid: scid, odcid: odcid, peer: peer}, nil
}
