package broker

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Client, ClientPool, Worker or WorkerPool. Options that
// do not apply to a component are ignored by it.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	name        string
	backoff     Backoff
	onState     func(component string, s State)
	callTimeout time.Duration
	prefetch    int
	maxClients  int
	ledger      Ledger
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		backoff:     DefaultBackoff(),
		callTimeout: 30 * time.Second,
		prefetch:    10,
		maxClients:  64,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName sets the component name used in logs and state hooks.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(o *options) {
		if b.InitialInterval > 0 {
			o.backoff.InitialInterval = b.InitialInterval
		}
		if b.MaxInterval > 0 {
			o.backoff.MaxInterval = b.MaxInterval
		}
		if b.Multiplier > 0 {
			o.backoff.Multiplier = b.Multiplier
		}
		if b.DegradedAfter > 0 {
			o.backoff.DegradedAfter = b.DegradedAfter
		}
	}
}

// WithStateHook observes every connection state transition.
func WithStateHook(fn func(component string, s State)) Option {
	return func(o *options) { o.onState = fn }
}

// WithCallTimeout bounds how long Call waits for a reply. Zero disables the
// bound, leaving only the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.callTimeout = d
		}
	}
}

// WithPrefetch sets the worker's quality-of-service limit.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithMaxClients caps the number of clients a ClientPool creates.
func WithMaxClients(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxClients = n
		}
	}
}

// WithLedger enables response replay for redelivered requests.
func WithLedger(l Ledger) Option {
	return func(o *options) { o.ledger = l }
}
