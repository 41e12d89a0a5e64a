package broker

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ClientPool hands out exclusive leases on RPC clients. Clients are created
// lazily up to the configured maximum, reused across leases, and replaced
// when their session is found dead.
type ClientPool struct {
	transport Transport
	opts      []Option
	o         options
	logger    *zap.Logger
	sem       chan struct{}

	mu     sync.Mutex
	idle   []*Client
	closed bool

	created   *atomic.Int64
	discarded *atomic.Int64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Idle      int
	InUse     int
	Created   int64
	Discarded int64
}

func NewClientPool(t Transport, opts ...Option) *ClientPool {
	o := applyOptions(opts)
	return &ClientPool{
		transport: t,
		opts:      opts,
		o:         o,
		logger:    o.logger,
		sem:       make(chan struct{}, o.maxClients),
		created:   atomic.NewInt64(0),
		discarded: atomic.NewInt64(0),
	}
}

// Lease is an exclusive hold on one client. Release must be called exactly
// once; extra calls are no-ops.
type Lease struct {
	pool   *ClientPool
	client *Client
	once   sync.Once
}

// Client returns the leased client.
func (l *Lease) Client() *Client { return l.client }

// Release returns the client to the pool, or discards it if it is no longer
// usable.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.client) })
}

// Acquire blocks until a client is available, creating one if the pool has
// room and none is idle.
func (p *ClientPool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c, err := p.take(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return &Lease{pool: p, client: c}, nil
}

func (p *ClientPool) take(ctx context.Context) (*Client, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if c.Healthy() {
			return c, nil
		}
		p.discard(c)
	}

	c, err := NewClient(ctx, p.transport, p.opts...)
	if err != nil {
		return nil, err
	}
	p.created.Inc()
	return c, nil
}

func (p *ClientPool) release(c *Client) {
	defer func() { <-p.sem }()

	p.mu.Lock()
	if p.closed || !c.Healthy() {
		p.mu.Unlock()
		p.discard(c)
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

func (p *ClientPool) discard(c *Client) {
	p.discarded.Inc()
	if err := c.Close(); err != nil {
		p.logger.Debug("closing discarded client", zap.Error(err))
	}
}

// Call leases a client for the duration of one call. The call timeout bounds
// the wait for a free client as well as the wait for the reply.
func (p *ClientPool) Call(ctx context.Context, queue string, payload any) (*Response, error) {
	if p.o.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.o.callTimeout)
		defer cancel()
	}
	l, err := p.Acquire(ctx)
	if err != nil {
		return nil, callError(queue, err)
	}
	defer l.Release()
	return l.Client().Call(ctx, queue, payload)
}

// Stats returns a snapshot of the pool counters.
func (p *ClientPool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		Idle:      idle,
		InUse:     len(p.sem),
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close closes idle clients; leased clients are closed on release.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}
	return nil
}
