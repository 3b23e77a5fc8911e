// Package dispatch implements the routing algorithm of spec.md §4.7: the
// per-worker state machine that classifies, replies statelessly, mints and
// validates Retry tokens, and forwards or creates connections.
//
// Grounded on quic-go's server_tls.go handleInitialImpl (version check then
// a retry/accept branch) and server.go's handlePacket (registry lookup then
// forward-or-spawn); this package merges both into the single on_packet
// contract spec.md names, since the teacher splits them across two call
// sites that this server's dispatcher owns jointly.
package dispatch

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/requiem-go/requiem/connid"
	"github.com/requiem-go/requiem/internal/errs"
	"github.com/requiem-go/requiem/internal/metrics"
	"github.com/requiem-go/requiem/internal/quicapi"
	"github.com/requiem-go/requiem/packet"
	"github.com/requiem-go/requiem/registry"
	"github.com/requiem-go/requiem/retrytoken"
	"github.com/requiem-go/requiem/supervisor"
)

// DefaultInboxSize bounds the backlog a dispatcher will carry before Submit
// starts dropping newly arriving items.
const DefaultInboxSize = 2048

// Sender is the narrow write-side capability a Dispatcher needs; satisfied
// by *sender.Sender. Declaring it here (rather than importing the sender
// package) keeps dispatch from depending on sender's queue-depth internals.
type Sender interface {
	Send(peer net.Addr, packet []byte) bool
}

// Dispatcher owns one shard of the incoming datagram stream: classification
// was already done by the caller (socket.Reader), and a Dispatcher's
// on_packet decides reply, forward, retry, or create-connection.
type Dispatcher struct {
	HandlerID   string
	Index       int
	SocketCount int

	cfg           quicapi.Config
	packetBuilder quicapi.PacketBuilder
	sender        Sender
	sup           *supervisor.Supervisor
	cidSecret     connid.Secret
	tokenSecret   retrytoken.Secret
	logger        *zap.Logger

	addrRouting *registry.AddressRouting

	inbox chan packet.Classified
}

// SetAddressRouting attaches the optional address-routing side table
// (spec.md §6's allow_address_routing, SPEC_FULL.md's Open Question 2
// resolution). When set, every successful forward updates the peer's
// current CID in ar; left nil, the dispatcher never touches it.
func (d *Dispatcher) SetAddressRouting(ar *registry.AddressRouting) {
	d.addrRouting = ar
}

// New creates a Dispatcher. cfg and packetBuilder are owned exclusively by
// this Dispatcher for its lifetime and must be released via Stop on every
// exit path, including a failed start (spec.md §5, §9).
func New(
	handlerID string,
	index, socketCount int,
	cfg quicapi.Config,
	packetBuilder quicapi.PacketBuilder,
	snd Sender,
	sup *supervisor.Supervisor,
	cidSecret connid.Secret,
	tokenSecret retrytoken.Secret,
	logger *zap.Logger,
) *Dispatcher {
	return NewWithInboxSize(handlerID, index, socketCount, cfg, packetBuilder, snd, sup, cidSecret, tokenSecret, DefaultInboxSize, logger)
}

// NewWithInboxSize is New with an explicit inbox capacity, for tests that
// want to force the inbox-full drop path deterministically.
func NewWithInboxSize(
	handlerID string,
	index, socketCount int,
	cfg quicapi.Config,
	packetBuilder quicapi.PacketBuilder,
	snd Sender,
	sup *supervisor.Supervisor,
	cidSecret connid.Secret,
	tokenSecret retrytoken.Secret,
	inboxSize int,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		HandlerID:     handlerID,
		Index:         index,
		SocketCount:   socketCount,
		cfg:           cfg,
		packetBuilder: packetBuilder,
		sender:        snd,
		sup:           sup,
		cidSecret:     cidSecret,
		tokenSecret:   tokenSecret,
		logger:        logger,
		inbox:         make(chan packet.Classified, inboxSize),
	}
}

// Submit enqueues a classified datagram for this dispatcher without
// blocking. It reports false if the inbox was full and the item was
// dropped. The dropped item is always the one being submitted, whatever its
// kind: items already queued are never evicted, and a packet for an
// established connection is dropped on a full inbox just like a
// pre-handshake one. A dedicated second channel for known connections was
// considered and rejected (Open Question 3): it adds a second backpressure
// policy to reason about.
func (d *Dispatcher) Submit(item packet.Classified) bool {
	select {
	case d.inbox <- item:
		return true
	default:
		d.logger.Debug("dispatcher inbox full, dropping packet",
			zap.Int("dispatcher_index", d.Index), zap.String("kind", item.Kind.String()))
		metrics.PacketsDropped.WithLabelValues("inbox_full").Inc()
		return false
	}
}

// Run drains the inbox until ctx is cancelled or Stop closes it. Callers
// run this in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-d.inbox:
			if !ok {
				return
			}
			d.onPacket(ctx, item)
		}
	}
}

// Stop closes the inbox (Run exits once it drains) and releases this
// dispatcher's Config and PacketBuilder handles, per spec.md §5's
// resource-ownership rule: both are destroyed on every exit path.
func (d *Dispatcher) Stop() error {
	close(d.inbox)
	var err error
	if cerr := d.packetBuilder.Close(); cerr != nil {
		err = cerr
	}
	if cerr := d.cfg.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// onPacket is spec.md §4.7's on_packet contract. It records how long
// routing took against the outcome it reached, mirroring the teacher's own
// per-outcome latency histogram in metrics/tracer.go.
func (d *Dispatcher) onPacket(ctx context.Context, item packet.Classified) {
	start := time.Now()
	outcome := "unknown"
	defer func() {
		metrics.DispatchLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	switch item.Kind {
	case packet.KindInitial:
		if !item.VersionSupported {
			d.logger.Debug("unsupported version", zap.Error(errs.ErrUnsupportedVersion), zap.Uint32("version", item.Version))
			d.replyVersionNegotiation(item)
			outcome = "version_negotiation"
			return
		}
		outcome = d.handleInit(ctx, item)
	default:
		outcome = d.handleRegular(ctx, item)
	}
}

func (d *Dispatcher) replyVersionNegotiation(item packet.Classified) {
	reply, err := d.packetBuilder.BuildVersionNegotiation(item.SCID, item.DCID)
	if err != nil {
		d.logger.Warn("building version negotiation packet", zap.Error(err))
		return
	}
	if d.sender.Send(item.Raw, reply) {
		metrics.VersionNegotiationsSent.Inc()
	}
}

// handleInit implements spec.md §4.7's INIT branch.
func (d *Dispatcher) handleInit(ctx context.Context, item packet.Classified) string {
	if conn, ok := d.sup.Lookup(item.DCID); ok {
		d.forward(ctx, conn, item)
		return "forward"
	}

	if len(item.Token) == 0 {
		d.logger.Debug("no address validation token presented", zap.Error(errs.ErrTokenMissing))
		d.replyRetry(item)
		return "retry"
	}

	if len(item.DCID) != connid.Length {
		metrics.PacketsDropped.WithLabelValues(errs.KindBadDCIDLength.String()).Inc()
		return "drop_bad_dcid_length"
	}

	odcid, err := retrytoken.Validate(item.Peer, item.DCID, d.tokenSecret, item.Token)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues(errs.KindOf(err).String()).Inc()
		return "drop_invalid_token" // never a stateless reset (spec.md §9)
	}

	return d.createAndForward(ctx, item, odcid)
}

func (d *Dispatcher) replyRetry(item packet.Classified) {
	newCID, token, err := retrytoken.MintFor(item.Peer, item.DCID, d.tokenSecret, d.cidSecret)
	if err != nil {
		d.logger.Warn("minting retry token", zap.Error(err))
		return
	}
	reply, err := d.packetBuilder.BuildRetry(item.SCID, item.DCID, newCID.Bytes(), token, item.Version)
	if err != nil {
		d.logger.Warn("building retry packet", zap.Error(err))
		return
	}
	if d.sender.Send(item.Raw, reply) {
		metrics.RetriesSent.Inc()
	}
}

func (d *Dispatcher) createAndForward(ctx context.Context, item packet.Classified, odcid []byte) string {
	res, err := d.sup.CreateConnection(ctx, item.Raw, item.SCID, item.DCID, odcid, d.cfg)
	if err != nil {
		d.logger.Warn("create_connection failed", zap.Error(err), zap.Binary("dcid", item.DCID))
		return "drop_create_failed"
	}
	metrics.ConnectionsCreated.Inc()
	d.forward(ctx, res.Conn, item)
	return "create_and_forward"
}

// handleRegular implements spec.md §4.7's REGULAR branch: Handshake,
// ZeroRTT, Short, Retry and VersionNegotiation datagrams all take this
// path, since none of them may create a connection. (packet.Classify labels
// every other unsupported-version long header as Initial.)
func (d *Dispatcher) handleRegular(ctx context.Context, item packet.Classified) string {
	if len(item.DCID) != connid.Length && len(item.DCID) != 0 {
		metrics.PacketsDropped.WithLabelValues(errs.KindBadDCIDLength.String()).Inc()
		return "drop_bad_dcid_length"
	}
	conn, ok := d.sup.Lookup(item.DCID)
	if !ok {
		metrics.PacketsDropped.WithLabelValues(errs.KindUnknownConnection.String()).Inc()
		return "drop_unknown_connection" // no stateless response (anti-amplification)
	}
	d.forward(ctx, conn, item)
	return "forward"
}

func (d *Dispatcher) forward(ctx context.Context, conn quicapi.Connection, item packet.Classified) {
	if err := conn.ProcessPacket(ctx, item.Raw, item.Payload); err != nil {
		if errs.KindOf(err) == errs.KindAlreadyClosed {
			metrics.PacketsDropped.WithLabelValues(errs.KindAlreadyClosed.String()).Inc()
		}
		d.logger.Debug("connection rejected packet", zap.Error(err))
		return
	}
	if d.addrRouting != nil {
		d.addrRouting.Update(item.Peer, item.DCID)
	}
}

// ShardFor computes the dispatcher index a datagram with DCID dcid should
// be routed to, per spec.md §4.5's sharding policy: hash of the *derived*
// local CID mod dispatcherCount when a DCID is present, so every datagram
// carrying the same DCID lands on the same dispatcher, or a round-robin
// fallback when DCID is empty. A Retry (DCID D0) and its completion (DCID
// C1 = Derive(D0)) hash different inputs and generally land on different
// dispatchers; the Retry reply is stateless, so nothing depends on that.
func ShardFor(cidSecret connid.Secret, dcid []byte, dispatcherCount int, roundRobinSeq uint64) int {
	if dispatcherCount <= 0 {
		return 0
	}
	if len(dcid) == 0 {
		return int(roundRobinSeq % uint64(dispatcherCount))
	}
	cid := connid.Derive(cidSecret, dcid)
	return int(hashCID(cid) % uint64(dispatcherCount))
}

// hashCID is FNV-1a over a derived connection ID, grounded on
// HyBuildNet-quic-relay's hashAddr helper, adapted to hash a fixed-length
// CID instead of a *net.UDPAddr since sharding keys on connection identity,
// not on the peer's current network address.
func hashCID(cid connid.CID) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, b := range cid {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}

// SenderIndexFor implements spec.md §3's fixed binding
// sender_index = dispatcher_index mod socket_count.
func SenderIndexFor(dispatcherIndex, socketCount int) int {
	if socketCount <= 0 {
		return 0
	}
	return dispatcherIndex % socketCount
}
