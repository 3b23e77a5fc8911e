package socket_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/requiem-go/requiem/connid"
	"github.com/requiem-go/requiem/internal/quicapi"
	"github.com/requiem-go/requiem/packet"
	"github.com/requiem-go/requiem/socket"
)

type fakeTarget struct {
	mu    sync.Mutex
	items []packet.Classified
	full  bool
}

func (f *fakeTarget) Submit(item packet.Classified) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.items = append(f.items, item)
	return true
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type fakeSocket struct {
	mu       sync.Mutex
	batches  [][]quicapi.Datagram
	closed   bool
	closedCh chan struct{}
}

func newFakeSocket(batches [][]quicapi.Datagram) *fakeSocket {
	return &fakeSocket{batches: batches, closedCh: make(chan struct{})}
}

func (f *fakeSocket) ReadBatch(ctx context.Context, cap int) ([]quicapi.Datagram, error) {
	f.mu.Lock()
	if len(f.batches) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.closedCh:
			return nil, errors.New("socket closed")
		}
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	f.mu.Unlock()
	return b, nil
}

func (f *fakeSocket) Send(net.Addr, []byte) error { return nil }
func (f *fakeSocket) LocalAddr() net.Addr         { return &net.UDPAddr{} }
func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func buildShortHeader(dcid []byte) []byte {
	buf := append([]byte{0x00}, dcid...)
	return append(buf, []byte("payload")...)
}

func TestReaderClassifiesAndSubmitsToShard(t *testing.T) {
	dcid := make([]byte, 20)
	for i := range dcid {
		dcid[i] = byte(i)
	}
	dg := quicapi.Datagram{Peer: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1}, Data: buildShortHeader(dcid)}
	sock := newFakeSocket([][]quicapi.Datagram{{dg}})

	target := &fakeTarget{}
	secret := connid.NewSecret(make([]byte, 32))
	r := socket.New(0, sock, []socket.Target{target}, secret, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestReaderShardsSameDerivedCIDConsistently(t *testing.T) {
	dcid := make([]byte, 20)
	for i := range dcid {
		dcid[i] = byte(i + 1)
	}
	secret := connid.NewSecret(make([]byte, 32))

	var batches [][]quicapi.Datagram
	for i := 0; i < 5; i++ {
		dg := quicapi.Datagram{Peer: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1}, Data: buildShortHeader(dcid)}
		batches = append(batches, []quicapi.Datagram{dg})
	}
	sock := newFakeSocket(batches)

	targets := make([]socket.Target, 4)
	fakes := make([]*fakeTarget, 4)
	for i := range targets {
		fakes[i] = &fakeTarget{}
		targets[i] = fakes[i]
	}
	r := socket.New(0, sock, targets, secret, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		total := 0
		for _, f := range fakes {
			total += f.count()
		}
		return total == 5
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	hit := 0
	for _, f := range fakes {
		if f.count() > 0 {
			hit++
		}
	}
	require.Equal(t, 1, hit, "every datagram for the same DCID must land on exactly one dispatcher shard")
}

func TestReaderDropsMalformedDatagram(t *testing.T) {
	dg := quicapi.Datagram{Peer: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1}, Data: nil}
	sock := newFakeSocket([][]quicapi.Datagram{{dg}})

	target := &fakeTarget{}
	secret := connid.NewSecret(make([]byte, 32))
	r := socket.New(0, sock, []socket.Target{target}, secret, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, target.count())
}

func TestReaderSurfacesUnrecoverableSocketError(t *testing.T) {
	sock := newFakeSocket(nil)
	target := &fakeTarget{}
	secret := connid.NewSecret(make([]byte, 32))
	r := socket.New(0, sock, []socket.Target{target}, secret, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sock.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after socket close")
	}
}
