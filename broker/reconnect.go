package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// State is the connection state of a Client or Worker.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	// Degraded means several consecutive connect attempts failed; the
	// reconnector keeps retrying but callers should expect latency.
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Backoff configures reconnection delays. Delays grow exponentially from
// InitialInterval up to MaxInterval and never stop growing toward the cap;
// only the caller's context ends the retry loop.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// DegradedAfter is the number of consecutive failed attempts after which
	// the state is reported as Degraded.
	DegradedAfter int
}

// DefaultBackoff starts at 500ms and caps at 5s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		DegradedAfter:   3,
	}
}

// Reconnector drives the Disconnected → Connecting → Connected cycle for one
// component. It is not safe for concurrent Connect calls; the owning Client or
// Worker serialises them.
type Reconnector struct {
	name     string
	cfg      Backoff
	logger   *zap.Logger
	onChange func(component string, s State)
	state    atomic.Int32
}

func newReconnector(name string, o *options) *Reconnector {
	return &Reconnector{
		name:     name,
		cfg:      o.backoff,
		logger:   o.logger,
		onChange: o.onState,
	}
}

// State returns the current state.
func (r *Reconnector) State() State { return State(r.state.Load()) }

func (r *Reconnector) set(s State) {
	if State(r.state.Swap(int32(s))) == s {
		return
	}
	r.logger.Debug("connection state changed", zap.String("component", r.name), zap.Stringer("state", s))
	if r.onChange != nil {
		r.onChange(r.name, s)
	}
}

// Connect calls dial until it succeeds or ctx is done.
func (r *Reconnector) Connect(ctx context.Context, dial func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	if r.cfg.Multiplier > 0 {
		b.Multiplier = r.cfg.Multiplier
	}
	b.Reset()

	if r.State() != Degraded {
		r.set(Connecting)
	}
	for attempt := 1; ; attempt++ {
		err := dial(ctx)
		if err == nil {
			r.set(Connected)
			if attempt > 1 {
				r.logger.Info("connection established", zap.String("component", r.name), zap.Int("attempt", attempt))
			}
			return nil
		}
		if ctx.Err() != nil {
			r.set(Disconnected)
			return ctx.Err()
		}
		if r.cfg.DegradedAfter > 0 && attempt >= r.cfg.DegradedAfter {
			r.set(Degraded)
		}
		delay := b.NextBackOff()
		r.logger.Warn("connect failed, retrying",
			zap.String("component", r.name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			r.set(Disconnected)
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Lost records a transport-level failure.
func (r *Reconnector) Lost(err error) {
	r.set(Disconnected)
	r.logger.Warn("connection lost", zap.String("component", r.name), zap.Error(err))
}

// Closed records an orderly shutdown.
func (r *Reconnector) Closed() { r.set(Disconnected) }
