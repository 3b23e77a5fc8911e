// Package supervisor is the factory and lifecycle manager for connection
// actors (spec.md §4.9). It wraps a registry.Registry with the
// insert-then-accept-with-rollback sequence that makes concurrent
// create_connection races benign, and fans out shutdown to every tracked
// actor with a grace window.
//
// Grounded on packet_handler_map.go's Close(): fan out a goroutine per
// handler, wait on a sync.WaitGroup. This package generalizes that into a
// context-bounded shutdown using golang.org/x/sync/errgroup, since the
// supervisor additionally needs to know about the first actor-close error
// without blocking the rest from closing (errgroup.Group collects exactly
// that, whereas a raw WaitGroup loop would have to invent its own error
// aggregation).
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/requiem-go/requiem/internal/errs"
	"github.com/requiem-go/requiem/internal/quicapi"
	"github.com/requiem-go/requiem/registry"
)

// GracePeriod is the time children are given to close cleanly on shutdown,
// per spec.md §4.9 and §5.
const GracePeriod = 5 * time.Second

// actor bundles the engine-side Connection with the ID it was registered
// under, so shutdown can both Close the connection and Remove the entry.
type actor struct {
	id   string
	cid  []byte
	conn quicapi.Connection
}

// Supervisor creates, tracks and terminates per-connection actors for one
// handler (one logical server identity; spec.md's handler+index key on the
// dispatcher maps onto "one Supervisor per handler" here).
type Supervisor struct {
	handlerID string
	reg       *registry.Registry
	acceptor  quicapi.Acceptor
	logger    *zap.Logger

	mu      sync.RWMutex
	actors  map[string]*actor // actorID -> actor, for shutdown fan-out
	nextSeq atomic.Uint64
}

// New creates a Supervisor for handlerID, backed by reg and acceptor.
func New(handlerID string, reg *registry.Registry, acceptor quicapi.Acceptor, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		handlerID: handlerID,
		reg:       reg,
		acceptor:  acceptor,
		logger:    logger,
		actors:    make(map[string]*actor),
	}
}

// CreateResult reports the outcome of CreateConnection: whether this call
// actually created a new actor (Created) or adopted one that a concurrent
// caller had already registered (spec.md §4.7's "already_registered:
// adopt the existing actor" race tolerance).
type CreateResult struct {
	Conn    quicapi.Connection
	Created bool
}

// CreateConnection implements the atomic insert-then-accept-with-rollback
// sequence of spec.md §4.9: the registry entry is reserved first (so a
// racing caller sees already_registered immediately, never a half-built
// actor), the engine-side Connection is accepted second, and the
// reservation is undone if acceptance fails.
func (s *Supervisor) CreateConnection(ctx context.Context, peer net.Addr, scid, dcid, odcid []byte, cfg quicapi.Config) (CreateResult, error) {
	actorID := fmt.Sprintf("%s/%d", s.handlerID, s.nextSeq.Add(1))

	entry, err := s.reg.InsertUnique(&registry.Entry{
		LocalCID:  dcid,
		ActorID:   actorID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		// Someone else won the race; adopt their actor. The winning
		// goroutine publishes its actor record a few instructions after
		// its InsertUnique succeeds, so a short bounded wait absorbs that
		// window without making the loser block ingress indefinitely.
		for i := 0; i < 50; i++ {
			if existing := s.lookupActor(entry.ActorID); existing != nil {
				return CreateResult{Conn: existing.conn, Created: false}, nil
			}
			time.Sleep(time.Millisecond)
		}
		return CreateResult{}, errs.ErrSystem
	}

	conn, err := s.acceptor.Accept(ctx, scid, odcid, peer, cfg)
	if err != nil {
		s.reg.Remove(dcid)
		return CreateResult{}, err
	}

	a := &actor{id: actorID, cid: dcid, conn: conn}
	s.mu.Lock()
	s.actors[actorID] = a
	s.mu.Unlock()

	return CreateResult{Conn: conn, Created: true}, nil
}

func (s *Supervisor) lookupActor(id string) *actor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actors[id]
}

// Lookup is the thin wrapper over the registry that spec.md §4.9 names
// lookup_connection: it resolves cid to a registry entry and then to the
// live Connection the dispatcher forwards packets to.
func (s *Supervisor) Lookup(cid []byte) (quicapi.Connection, bool) {
	entry, ok := s.reg.Lookup(cid)
	if !ok {
		return nil, false
	}
	a := s.lookupActor(entry.ActorID)
	if a == nil {
		return nil, false
	}
	return a.conn, true
}

// Terminate closes and destroys the actor registered under cid, removing
// it from both the supervisor's tracking map and the registry. Safe to
// call more than once; later calls are no-ops.
func (s *Supervisor) Terminate(cid []byte, app bool, code uint64, reason string) {
	entry, ok := s.reg.Lookup(cid)
	if !ok {
		return
	}
	s.mu.Lock()
	a, ok := s.actors[entry.ActorID]
	if ok {
		delete(s.actors, entry.ActorID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := a.conn.Close(app, code, reason); err != nil {
		s.logger.Warn("connection close returned an error", zap.Error(err), zap.String("actor", a.id))
	}
	if err := a.conn.Destroy(); err != nil {
		s.logger.Warn("connection destroy returned an error", zap.Error(err), zap.String("actor", a.id))
	}
	s.reg.Remove(cid)
}

// Shutdown terminates every tracked actor, giving the whole fan-out up to
// GracePeriod before returning regardless of stragglers (spec.md §4.9,
// §5). It returns the first error encountered closing any actor.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, GracePeriod)
	defer cancel()

	s.mu.Lock()
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.actors = make(map[string]*actor)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, a := range actors {
		a := a
		g.Go(func() error {
			err := a.conn.Close(false, 0, "server shutting down")
			if dErr := a.conn.Destroy(); dErr != nil && err == nil {
				err = dErr
			}
			s.reg.Remove(a.cid)
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Warn("shutdown grace period expired with actors still closing")
		return ctx.Err()
	}
}

// ActorCount reports how many actors are currently tracked, for tests and
// metrics.
func (s *Supervisor) ActorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}
