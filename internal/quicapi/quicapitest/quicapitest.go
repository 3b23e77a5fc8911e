// Package quicapitest provides deterministic hand-written fakes for the
// quicapi collaborator interfaces, in the same style the example corpus
// itself uses for interface doubles committed alongside tests rather than
// generated ones — e.g. specter's node.mockTransport and dtn7-go's
// cla.mockConvergenceSender, both plain structs implementing the interface
// with recorded calls instead of go.uber.org/mock-generated code.
package quicapitest

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/requiem-go/requiem/internal/quicapi"
)

// Config is a no-op quicapi.Config fake.
type Config struct {
	mu     sync.Mutex
	closed bool
}

func (c *Config) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called, for assertions in dispatcher
// lifecycle tests (spec.md §8 invariant 6).
func (c *Config) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ConfigFactory returns a quicapi.ConfigFactory that records every Config it
// creates, so tests can assert all of them were closed.
func ConfigFactory() (quicapi.ConfigFactory, *[]*Config) {
	var mu sync.Mutex
	var created []*Config
	factory := func() (quicapi.Config, error) {
		c := &Config{}
		mu.Lock()
		created = append(created, c)
		mu.Unlock()
		return c, nil
	}
	return factory, &created
}

// PacketBuilder is a quicapi.PacketBuilder fake that builds small,
// inspectable placeholder packets instead of real QUIC wire bytes: tests
// assert on the structural fields (roles swapped, CID/token present), not
// on real cryptographic integrity tags, which belong to the out-of-scope
// QUIC engine.
type PacketBuilder struct {
	mu     sync.Mutex
	closed bool
}

func (b *PacketBuilder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *PacketBuilder) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *PacketBuilder) BuildVersionNegotiation(scid, dcid []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("VNEG scid=%x dcid=%x", scid, dcid)), nil
}

func (b *PacketBuilder) BuildRetry(scid, dcid, newCID, token []byte, version uint32) ([]byte, error) {
	return []byte(fmt.Sprintf("RETRY scid=%x dcid=%x new=%x token=%x v=%d", scid, dcid, newCID, token, version)), nil
}

// PacketBuilderFactory returns a quicapi.PacketBuilderFactory that records
// every PacketBuilder it creates.
func PacketBuilderFactory() (quicapi.PacketBuilderFactory, *[]*PacketBuilder) {
	var mu sync.Mutex
	var created []*PacketBuilder
	factory := func(quicapi.Config) (quicapi.PacketBuilder, error) {
		b := &PacketBuilder{}
		mu.Lock()
		created = append(created, b)
		mu.Unlock()
		return b, nil
	}
	return factory, &created
}

// Connection is a quicapi.Connection fake that just records what happened
// to it, enough to assert forwarding and close/destroy ordering.
type Connection struct {
	mu        sync.Mutex
	SCID      []byte
	ODCID     []byte
	Peer      net.Addr
	Processed [][]byte
	closed    bool
	destroyed bool
}

func (c *Connection) ProcessPacket(_ context.Context, _ net.Addr, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Processed = append(c.Processed, append([]byte{}, payload...))
	return nil
}

func (c *Connection) Close(bool, uint64, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
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

func (c *Connection) ProcessedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Processed)
}

// Acceptor is a quicapi.Acceptor fake that hands out *Connection fakes and
// records every Accept call for assertions like S3's
// "create_connection called with odcid=D0, scid=client_scid, dcid=C1".
type Acceptor struct {
	mu       sync.Mutex
	Accepted []*Connection
	// FailNext, if set, makes the next Accept call return this error
	// instead of succeeding, to exercise the system_error drop path.
	FailNext error
}

func (a *Acceptor) Accept(_ context.Context, scid, odcid []byte, peer net.Addr, _ quicapi.Config) (quicapi.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailNext != nil {
		err := a.FailNext
		a.FailNext = nil
		return nil, err
	}
	conn := &Connection{
		SCID:  append([]byte{}, scid...),
		ODCID: append([]byte{}, odcid...),
		Peer:  peer,
	}
	a.Accepted = append(a.Accepted, conn)
	return conn, nil
}

func (a *Acceptor) AcceptedConnections() []*Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Connection{}, a.Accepted...)
}
