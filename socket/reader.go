// Package socket is the SocketReader pool of spec.md §4.5: N pooled UDP
// endpoints, each batching inbound datagrams and handing classified records
// to a dispatcher shard.
//
// Grounded on quic-go's server.go ListenAndServe read loop
// (ReadFromUDP -> handlePacket, one goroutine per listener), generalized
// from a single socket to a pool and from a blocking unbounded read to a
// batched quicapi.Socket.ReadBatch call; the sharding helper itself reuses
// HyBuildNet-quic-relay's WorkerPool.Submit drop-on-full discipline via the
// dispatch package it targets.
package socket

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/requiem-go/requiem/connid"
	"github.com/requiem-go/requiem/dispatch"
	"github.com/requiem-go/requiem/internal/metrics"
	"github.com/requiem-go/requiem/internal/quicapi"
	"github.com/requiem-go/requiem/packet"
)

// DefaultEventCapacity bounds how many datagrams one ReadBatch call may
// return, per spec.md §6's socket_event_capacity option.
const DefaultEventCapacity = 64

// Target is the narrow capability a Reader needs from a dispatcher shard;
// satisfied by *dispatch.Dispatcher.
type Target interface {
	Submit(item packet.Classified) bool
}

// Reader owns one quicapi.Socket and shards every datagram it reads across
// dispatchers, per spec.md §4.5's sharding policy.
type Reader struct {
	Index         int
	sock          quicapi.Socket
	dispatchers   []Target
	cidSecret     connid.Secret
	eventCapacity int
	logger        *zap.Logger

	rrSeq   atomic.Uint64
	dropped atomic.Uint64
}

// New creates a Reader bound to sock, sharding across dispatchers.
func New(index int, sock quicapi.Socket, dispatchers []Target, cidSecret connid.Secret, logger *zap.Logger) *Reader {
	return NewWithEventCapacity(index, sock, dispatchers, cidSecret, DefaultEventCapacity, logger)
}

// NewWithEventCapacity is New with an explicit per-ReadBatch cap.
func NewWithEventCapacity(index int, sock quicapi.Socket, dispatchers []Target, cidSecret connid.Secret, eventCapacity int, logger *zap.Logger) *Reader {
	return &Reader{
		Index:         index,
		sock:          sock,
		dispatchers:   dispatchers,
		cidSecret:     cidSecret,
		eventCapacity: eventCapacity,
		logger:        logger,
	}
}

// Run blocks, reading batches from sock and dispatching each datagram,
// until ctx is cancelled or the socket returns an unrecoverable error. An
// unrecoverable socket error is surfaced to the caller; cancellation is
// reported as nil. Nothing restarts the reader: the error ends Pool.Run and
// the root coordinator then shuts the whole server down.
func (r *Reader) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := r.sock.ReadBatch(ctx, r.eventCapacity)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, dg := range batch {
			r.handle(dg)
		}
	}
}

func (r *Reader) handle(dg quicapi.Datagram) {
	udpAddr, ok := dg.Peer.(*net.UDPAddr)
	if !ok {
		r.logger.Warn("datagram from non-UDP peer, dropping", zap.Int("socket_index", r.Index))
		metrics.PacketsDropped.WithLabelValues("non_udp_peer").Inc()
		return
	}

	c, err := packet.Classify(dg.Data, udpAddr, nil)
	if err != nil {
		r.logger.Debug("malformed datagram, dropping", zap.Error(err), zap.Int("socket_index", r.Index))
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}

	idx := dispatch.ShardFor(r.cidSecret, c.DCID, len(r.dispatchers), r.rrSeq.Add(1))
	if !r.dispatchers[idx].Submit(c) {
		r.dropped.Add(1)
	}
}

// Dropped reports how many datagrams were dropped because their target
// dispatcher's inbox was full, for metrics.
func (r *Reader) Dropped() uint64 { return r.dropped.Load() }

// LocalAddr returns the address this Reader's socket is bound to.
func (r *Reader) LocalAddr() net.Addr { return r.sock.LocalAddr() }

// Close closes the underlying socket, unblocking any in-flight ReadBatch.
func (r *Reader) Close() error { return r.sock.Close() }
