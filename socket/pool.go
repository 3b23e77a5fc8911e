package socket

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool owns every Reader the root coordinator opened, one per
// socket_pool_size, and runs them concurrently. Grounded on
// HyBuildNet-quic-relay's WorkerPool.Start/Stop lifecycle, generalized from
// worker goroutines over a single shared queue to one goroutine per socket.
type Pool struct {
	readers []*Reader
	logger  *zap.Logger
}

// NewPool wraps readers into a Pool.
func NewPool(readers []*Reader, logger *zap.Logger) *Pool {
	return &Pool{readers: readers, logger: logger}
}

// Run starts every Reader and blocks until ctx is cancelled or one of them
// returns an unrecoverable error, in which case the others are cancelled
// too. Run does not restart a failed reader; server.Coordinator treats the
// returned error as fatal and shuts the whole server down.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.readers {
		r := r
		g.Go(func() error {
			err := r.Run(gctx)
			if err != nil {
				p.logger.Error("socket reader exited", zap.Error(err), zap.Int("socket_index", r.Index))
			}
			return err
		})
	}
	return g.Wait()
}

// Close closes every reader's socket, unblocking Run.
func (p *Pool) Close() error {
	var first error
	for _, r := range p.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Readers exposes the underlying readers, for metrics collection and tests.
func (p *Pool) Readers() []*Reader { return p.readers }
