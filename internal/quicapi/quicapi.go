// Package quicapi declares the "downward" interface to the underlying QUIC
// engine and the "upward" interface to application handlers described in
// spec.md §6. Both are external collaborators: the engine drives TLS,
// parses frames, and owns congestion control; handlers are the
// stream/datagram callbacks an application registers. Neither is
// implemented here — this repository only defines the contracts the
// dispatch layer (dispatch, supervisor) programs against, mirroring how
// quic-go's own server.go depends on the narrow packetHandler interface
// rather than a concrete session type, and server_tls.go depends on
// handshake.MintTLS rather than a concrete TLS stack.
package quicapi

import (
	"context"
	"net"
)

// Config is an opaque, per-dispatcher handle carrying TLS material,
// transport parameters and feature flags. It is created once per
// dispatcher and destroyed on every exit path from that dispatcher,
// including failure during initialization (spec.md §3, §5).
type Config interface {
	// Close releases any resources (certificates, transport-parameter
	// buffers) held by the underlying engine. Idempotent.
	Close() error
}

// ConfigFactory builds a new Config from the caller's transport settings.
// Implementations wrap whatever constructor the underlying QUIC engine
// exposes (quic-go's quic.Config, quiche's quiche_config_new, ...).
type ConfigFactory func() (Config, error)

// PacketBuilder is an opaque, per-dispatcher handle used to build the two
// stateless reply packets this server ever sends before a connection
// exists. Like Config, it is owned solely by its creating dispatcher.
type PacketBuilder interface {
	Close() error
	// BuildVersionNegotiation builds a Version Negotiation packet echoing
	// scid/dcid with the roles swapped, per RFC 9000 §6.
	BuildVersionNegotiation(scid, dcid []byte) ([]byte, error)
	// BuildRetry builds a Retry packet; the Retry Integrity Tag is computed
	// by the underlying engine.
	BuildRetry(scid, dcid, newCID, token []byte, version uint32) ([]byte, error)
}

// PacketBuilderFactory builds a new PacketBuilder bound to a Config.
type PacketBuilderFactory func(cfg Config) (PacketBuilder, error)

// Connection is the per-connection state machine owned by the underlying
// QUIC engine once a connection has been accepted. The dispatch layer only
// ever creates one, hands it packets, and eventually closes it; it never
// inspects frames itself.
type Connection interface {
	// ProcessPacket feeds one datagram's payload to the connection.
	ProcessPacket(ctx context.Context, peer net.Addr, payload []byte) error
	// Close starts a graceful or error shutdown. app selects between an
	// application-level and a transport-level CONNECTION_CLOSE.
	Close(app bool, code uint64, reason string) error
	// IsClosed reports whether the connection has fully torn down.
	IsClosed() bool
	// Destroy releases the engine-side resources. The supervisor calls it
	// right after Close, without waiting for IsClosed to report true.
	Destroy() error
}

// Acceptor accepts a new Connection for a freshly validated Initial,
// restoring odcid into the TLS transport parameters so the client can
// verify the server performed the Retry it claims to have performed.
type Acceptor interface {
	Accept(ctx context.Context, scid, odcid []byte, peer net.Addr, cfg Config) (Connection, error)
}

// Socket is the primitive the SocketReader pool (C5) and Sender pool (C6)
// are built on: one UDP endpoint that yields (peer, data) records through
// ReadBatch and writes back through Send.
type Socket interface {
	// ReadBatch blocks for up to the polling window and returns at most cap
	// datagrams received since the last call.
	ReadBatch(ctx context.Context, cap int) ([]Datagram, error)
	Send(peer net.Addr, packet []byte) error
	LocalAddr() net.Addr
	Close() error
}

// Datagram is one received UDP payload and its source address.
type Datagram struct {
	Peer net.Addr
	Data []byte
}

// Handler is the upward interface to application callbacks, listed in
// spec.md §6 for completeness; it is outside the ingress/identity core and
// is never called by this module's own code, only forwarded to.
type Handler interface {
	Init(conn Connection) error
	HandleStream(conn Connection, streamID uint64, data []byte, fin bool)
	HandleDgram(conn Connection, data []byte)
	HandleInfo(conn Connection, info any)
	HandleCast(conn Connection, msg any)
	HandleCall(conn Connection, msg any) (any, error)
	Terminate(conn Connection, reason error)
}
