// Package sender serializes outbound writes to one UDP socket. Per
// spec.md §4.6/§5, a sender is bound 1:1 to exactly one socket and writes
// through it are totally ordered; ordering across senders is unspecified.
//
// Grounded on the single-writer-per-socket discipline implicit in quic-go's
// server.go (one goroutine ever calls conn.WriteToUDP for a given listener)
// and on HyBuildNet-quic-relay's WorkerPool.Submit drop-on-full behavior for
// the backpressure policy spec.md §4.7 requires: "sender backpressure (send
// queue full): drop the outbound stateless response; do not block ingress."
package sender

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/requiem-go/requiem/internal/quicapi"
)

// DefaultQueueSize is the outbound queue depth per sender. Stateless
// replies (Retry, VersionNegotiation) are small and infrequent relative to
// established-connection traffic, so a modest buffer absorbs bursts without
// risking unbounded memory growth under sustained attack traffic.
const DefaultQueueSize = 1024

type outbound struct {
	peer net.Addr
	data []byte
}

// Sender writes through one quicapi.Socket via a single writer goroutine
// draining a bounded outbound queue. It does not own the socket's
// lifecycle: a Reader is bound to the same socket 1:1 (spec.md §4.10), so
// whoever wires the two together is responsible for closing the socket
// exactly once, after both sides are done with it.
type Sender struct {
	index  int
	sock   quicapi.Socket
	queue  chan outbound
	logger *zap.Logger

	wg      sync.WaitGroup
	dropped atomicCounter
}

// New creates a Sender bound to sock with the default queue size.
func New(index int, sock quicapi.Socket, logger *zap.Logger) *Sender {
	return NewWithQueueSize(index, sock, DefaultQueueSize, logger)
}

// NewWithQueueSize is New with an explicit queue depth, for tests that want
// to force the drop path deterministically.
func NewWithQueueSize(index int, sock quicapi.Socket, queueSize int, logger *zap.Logger) *Sender {
	return &Sender{
		index:  index,
		sock:   sock,
		queue:  make(chan outbound, queueSize),
		logger: logger,
	}
}

// Start launches the writer goroutine. Safe to call once per Sender.
func (s *Sender) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sender) run() {
	defer s.wg.Done()
	for ob := range s.queue {
		if err := s.sock.Send(ob.peer, ob.data); err != nil {
			s.logger.Warn("socket write failed", zap.Error(err), zap.Int("sender_index", s.index))
		}
	}
}

// Send enqueues one packet for peer without blocking. It reports false, and
// drops the packet, if the queue is full — the dispatcher must never block
// ingress waiting for outbound capacity.
func (s *Sender) Send(peer net.Addr, packet []byte) bool {
	select {
	case s.queue <- outbound{peer: peer, data: packet}:
		return true
	default:
		s.dropped.add(1)
		return false
	}
}

// BatchSend enqueues each (peer, packet) pair independently, applying the
// same non-blocking drop policy to each.
func (s *Sender) BatchSend(peers []net.Addr, packets [][]byte) (sent int) {
	n := len(peers)
	if len(packets) < n {
		n = len(packets)
	}
	for i := 0; i < n; i++ {
		if s.Send(peers[i], packets[i]) {
			sent++
		}
	}
	return sent
}

// Dropped reports how many packets this sender has dropped due to a full
// queue, for metrics.
func (s *Sender) Dropped() uint64 { return s.dropped.load() }

// Stop closes the outbound queue and waits for the writer goroutine to
// drain every packet already enqueued before returning. It leaves the
// underlying socket open: the caller closes it once both this Sender and
// its paired Reader are done with it.
func (s *Sender) Stop() error {
	close(s.queue)
	s.wg.Wait()
	return nil
}
