// Package server wires C1-C9 into one running process: the root
// coordinator of spec.md §4.10. It owns startup order (registries,
// connection supervisor, dispatcher pool, sender pool, socket readers) and
// tears down in an order that respects which subsystem holds a reference
// into which — see Coordinator.Shutdown — rather than a literal reversal,
// since sender/socket draining and actor/config ownership each impose
// their own constraint on top of the dependency order spec.md names.
//
// Grounded on zllovesuki-specter's cmd/server/server.go cmdServer: build
// every subsystem from parsed flags, start them, then block on a signal or
// context cancellation before tearing down in reverse. This package is the
// in-process equivalent of that function, split out of cmd/requiemd so it
// can be exercised directly by tests without going through a cli.Context.
package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/requiem-go/requiem/dispatch"
	"github.com/requiem-go/requiem/internal/config"
	"github.com/requiem-go/requiem/internal/logging"
	"github.com/requiem-go/requiem/internal/metrics"
	"github.com/requiem-go/requiem/internal/quicapi"
	"github.com/requiem-go/requiem/registry"
	"github.com/requiem-go/requiem/sender"
	"github.com/requiem-go/requiem/socket"
	"github.com/requiem-go/requiem/supervisor"
)

// SocketFactory opens the index'th UDP endpoint of the socket pool. The
// underlying transport (a plain net.UDPConn wrapper, or a platform-specific
// SO_REUSEPORT-backed one) is outside this module's scope; quicapi.Socket is
// the contract it must satisfy.
type SocketFactory func(index int) (quicapi.Socket, error)

// Coordinator is the running, wired-up server: one registry, one
// supervisor, socket_count sockets each owning a Reader and a Sender, and
// dispatcher_count dispatchers bound to them per spec.md §3's fixed
// dispatcher-to-sender binding.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger

	reg         *registry.Registry
	sup         *supervisor.Supervisor
	addrRouting *registry.AddressRouting

	senders     []*sender.Sender
	dispatchers []*dispatch.Dispatcher
	pool        *socket.Pool

	dispatchWG sync.WaitGroup
}

// New builds every subsystem but starts none of them. acceptor is the
// engine's connection factory; cfgFactory and pbFactory mint one
// quicapi.Config/PacketBuilder pair per dispatcher (each dispatcher owns and
// destroys its own pair, per spec.md §5); sockFactory opens the
// socket_count UDP endpoints the reader/sender pools share.
func New(
	handlerID string,
	cfg *config.Config,
	logger *zap.Logger,
	acceptor quicapi.Acceptor,
	sockFactory SocketFactory,
	cfgFactory quicapi.ConfigFactory,
	pbFactory quicapi.PacketBuilderFactory,
) (*Coordinator, error) {
	reg := registry.New()
	sup := supervisor.New(handlerID, reg, acceptor, logging.Sub(logger, "supervisor"))

	var addrRouting *registry.AddressRouting
	if cfg.AllowAddressRouting {
		addrRouting = registry.NewAddressRouting()
	}

	sockets := make([]quicapi.Socket, cfg.SocketPoolSize)
	for i := range sockets {
		sock, err := sockFactory(i)
		if err != nil {
			return nil, fmt.Errorf("opening socket %d: %w", i, err)
		}
		sockets[i] = sock
	}

	senders := make([]*sender.Sender, cfg.SocketPoolSize)
	for i, sock := range sockets {
		senders[i] = sender.New(i, sock, logging.Sub(logger, "sender"))
	}

	dispatchTargets := make([]socket.Target, cfg.DispatcherPoolSize)
	dispatchers := make([]*dispatch.Dispatcher, cfg.DispatcherPoolSize)
	stopBuilt := func(n int) {
		for _, d := range dispatchers[:n] {
			_ = d.Stop()
		}
	}
	for i := range dispatchers {
		engineCfg, err := cfgFactory()
		if err != nil {
			stopBuilt(i)
			return nil, fmt.Errorf("building dispatcher %d config: %w", i, err)
		}
		pb, err := pbFactory(engineCfg)
		if err != nil {
			_ = engineCfg.Close()
			stopBuilt(i)
			return nil, fmt.Errorf("building dispatcher %d packet builder: %w", i, err)
		}
		snd := senders[dispatch.SenderIndexFor(i, cfg.SocketPoolSize)]
		d := dispatch.New(handlerID, i, cfg.SocketPoolSize, engineCfg, pb, snd, sup,
			cfg.ConnectionIDSecret, cfg.TokenSecret, logging.Sub(logger, "dispatch"))
		if addrRouting != nil {
			d.SetAddressRouting(addrRouting)
		}
		dispatchers[i] = d
		dispatchTargets[i] = d
	}

	readers := make([]*socket.Reader, cfg.SocketPoolSize)
	for i, sock := range sockets {
		readers[i] = socket.NewWithEventCapacity(i, sock, dispatchTargets, cfg.ConnectionIDSecret, cfg.SocketEventCapacity, logging.Sub(logger, "socket"))
	}

	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		reg:         reg,
		sup:         sup,
		addrRouting: addrRouting,
		senders:     senders,
		dispatchers: dispatchers,
		pool:        socket.NewPool(readers, logging.Sub(logger, "socket")),
	}, nil
}

// Run starts every subsystem in dependency order, then blocks until ctx is
// cancelled or a socket reader reports an unrecoverable error, then shuts
// everything down (see Shutdown for the teardown order and why it isn't a
// literal reversal).
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, d := range c.dispatchers {
		d := d
		c.dispatchWG.Add(1)
		go func() {
			defer c.dispatchWG.Done()
			d.Run(runCtx)
		}()
	}

	for _, snd := range c.senders {
		snd.Start()
	}

	c.logger.Info("requiem server started",
		zap.Int("socket_pool_size", c.cfg.SocketPoolSize),
		zap.Int("dispatcher_pool_size", c.cfg.DispatcherPoolSize),
		zap.Int("port", c.cfg.Port))

	runErr := c.pool.Run(runCtx)
	cancel()

	c.logger.Info("requiem server shutting down")
	return c.Shutdown(runErr)
}

// Shutdown tears down every subsystem. By the time this is called, Run has
// already cancelled the shared context, so socket readers have stopped
// accepting new datagrams and dispatcher Run loops are exiting on their
// own; Shutdown's job is to join those goroutines and release resources in
// the order their dependencies allow:
//
//  1. join every dispatcher's Run goroutine (dispatchWG) — confirms no
//     dispatcher is still mid on_packet before anything it depends on is
//     torn down.
//  2. stop every sender: drain its outbound queue so an in-flight Retry or
//     Version Negotiation reply is written before the socket it shares
//     with a Reader is closed, per spec.md §4.10's "waiting for in-flight
//     datagrams to drain." Sender.Stop leaves the socket open.
//  3. close every socket exactly once (via the reader pool): both the
//     reader and the sender bound to it are done with it by now.
//  4. shut down the supervisor: every connection actor is closed and
//     destroyed while its dispatcher's Config/PacketBuilder is still
//     live, since Accept handed that Config to the actor by reference.
//  5. only now release each dispatcher's Config/PacketBuilder handle —
//     spec.md §5's "Config handle destroyed only after all its children
//     are gone" and §8 invariant 6 both require this to be last.
//
// runErr, if non-nil, is the triggering error from Run and is always
// returned; shutdown errors are logged, not propagated, so one failing
// subsystem doesn't mask the others.
func (c *Coordinator) Shutdown(runErr error) error {
	c.dispatchWG.Wait()

	for _, snd := range c.senders {
		if err := snd.Stop(); err != nil {
			c.logger.Warn("stopping sender", zap.Error(err))
		}
	}

	if err := c.pool.Close(); err != nil {
		c.logger.Warn("closing socket pool", zap.Error(err))
	}

	if err := c.sup.Shutdown(context.Background()); err != nil {
		c.logger.Warn("supervisor shutdown", zap.Error(err))
	}

	for _, d := range c.dispatchers {
		if err := d.Stop(); err != nil {
			c.logger.Warn("stopping dispatcher", zap.Error(err))
		}
	}

	metrics.RegistrySize.Set(float64(c.reg.Size()))
	return runErr
}

// Registry exposes the coordinator's connection registry, for metrics
// endpoints or admin tooling a caller may want to wire in.
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Supervisor exposes the coordinator's connection supervisor.
func (c *Coordinator) Supervisor() *supervisor.Supervisor { return c.sup }

// AddressRouting exposes the optional address-routing side table; nil
// unless the coordinator was built with AllowAddressRouting set.
func (c *Coordinator) AddressRouting() *registry.AddressRouting { return c.addrRouting }
