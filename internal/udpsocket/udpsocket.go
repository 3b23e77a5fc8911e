// Package udpsocket is the concrete quicapi.Socket this module ships: a
// *net.UDPConn wrapped with a read deadline per ReadBatch call so the
// polling window spec.md §6's socket_polling_timeout names is honored
// without a dedicated reader goroutine per call.
//
// Grounded on quic-go's own sys_conn_helper_linux.go forceSetReceiveBuffer:
// this package raises SO_RCVBUF the same way, via golang.org/x/sys/unix on
// platforms that support it, so a socket pool under sustained load doesn't
// silently drop datagrams in the kernel before this module ever sees them.
// Listen's reusePort flag follows the same pattern for SO_REUSEPORT: spec.md
// §1's single listening endpoint is, under the hood, socket_count sockets
// all bound to the same host:port, load-balanced by the kernel rather than
// by giving each its own port.
package udpsocket

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/requiem-go/requiem/internal/quicapi"
)

// receiveBufferBytes mirrors quic-go's own forceSetReceiveBuffer default
// (the teacher forces 7MB for its standalone listener); picked here for the
// same reason: a busy dispatcher pool can fall behind the kernel's default
// (usually a few hundred KB) under a burst of Initial packets.
const receiveBufferBytes = 7 << 20

// Socket wraps one bound net.UDPConn.
type Socket struct {
	conn           *net.UDPConn
	pollingTimeout time.Duration
}

// Listen opens a UDP socket bound to host:port and best-effort raises its
// receive buffer. pollingTimeout bounds how long one ReadBatch call may
// block with no datagram available, so a cancelled ctx is noticed promptly
// even though net.UDPConn's blocking read has no way to watch a context
// directly. reusePort sets SO_REUSEPORT before bind, so a caller opening
// socket_count sockets on the same host:port gets socket_count independent
// kernel-balanced sockets instead of a bind failure; pass false for a single
// socket or a caller that wants distinct ports.
func Listen(host string, port int, pollingTimeout time.Duration, reusePort bool) (*Socket, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) { serr = setReusePort(fd) }); err != nil {
				return err
			}
			return serr
		}
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("udpsocket: listen %s:%d: %w", host, port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("udpsocket: listen %s:%d: unexpected packet conn type %T", host, port, pc)
	}
	if err := setReceiveBuffer(conn, receiveBufferBytes); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udpsocket: raising receive buffer: %w", err)
	}
	return &Socket{conn: conn, pollingTimeout: pollingTimeout}, nil
}

// ReadBatch blocks until at least one datagram arrives or the polling
// window passes, returning at most cap datagrams. A plain net.UDPConn has
// no true batch syscall (that is sendmmsg/recvmmsg territory, which
// quic-go reaches for via conn_oob.go on platforms that support it); this
// implementation reads one datagram per call and returns immediately so
// dispatch sharding sees it without an artificial coalescing delay.
func (s *Socket) ReadBatch(ctx context.Context, cap int) ([]quicapi.Datagram, error) {
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > s.pollingTimeout {
		deadline = time.Now().Add(s.pollingTimeout)
	}
	s.conn.SetReadDeadline(deadline)

	buf := make([]byte, 64*1024)
	n, peer, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
		return nil, err
	}
	return []quicapi.Datagram{{Peer: peer, Data: buf[:n]}}, nil
}

// Send writes packet to peer.
func (s *Socket) Send(peer net.Addr, packet []byte) error {
	udpAddr, ok := peer.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("udpsocket: peer %v is not a *net.UDPAddr", peer)
	}
	_, err := s.conn.WriteToUDP(packet, udpAddr)
	return err
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close closes the underlying connection, unblocking any in-flight
// ReadBatch.
func (s *Socket) Close() error { return s.conn.Close() }
