package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs independent workers that compete for the same queues. The
// broker is the only load balancer: workers share no state and no session.
type WorkerPool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewWorkerPool builds n workers over t. register is called once per worker
// to bind its handlers.
func NewWorkerPool(t Transport, n int, register func(*Worker), opts ...Option) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	o := applyOptions(opts)
	base := o.name
	if base == "" {
		base = "worker"
	}
	p := &WorkerPool{logger: o.logger}
	for i := 0; i < n; i++ {
		wopts := append(append([]Option(nil), opts...), WithName(fmt.Sprintf("%s-%d", base, i)))
		w := NewWorker(t, wopts...)
		register(w)
		p.workers = append(p.workers, w)
	}
	return p
}

// Workers returns the pool members.
func (p *WorkerPool) Workers() []*Worker { return p.workers }

// Run starts every worker and blocks until all of them stopped. A worker that
// fails does not stop its siblings.
func (p *WorkerPool) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, w := range p.workers {
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				p.logger.Error("worker exited", zap.String("worker", w.Name()), zap.Error(err))
				return fmt.Errorf("%s: %w", w.Name(), err)
			}
			return nil
		})
	}
	p.logger.Info("worker pool started", zap.Int("workers", len(p.workers)))
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// Processed sums acknowledged deliveries across the pool.
func (p *WorkerPool) Processed() int64 {
	var n int64
	for _, w := range p.workers {
		n += w.Processed()
	}
	return n
}
