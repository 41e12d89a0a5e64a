package broker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrjvadi/finance-rpc/broker"
)

func fastBackoff() broker.Option {
	return broker.WithBackoff(broker.Backoff{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		DegradedAfter:   2,
	})
}

// startWorker runs w until the test ends and waits for it to connect.
func startWorker(t *testing.T, w *broker.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return w.State() == broker.Connected }, 2*time.Second, 5*time.Millisecond)
}

func newClient(t *testing.T, tr broker.Transport, opts ...broker.Option) *broker.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := broker.NewClient(ctx, tr, append([]broker.Option{fastBackoff()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echo(c *broker.Context) (broker.Result, error) {
	var in map[string]any
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	return broker.Result{"echo": in, "worker": c.Worker(), "tag": c.DeliveryTag()}, nil
}

// crashTransport closes the session right after a reply is published, the
// way a worker process dying between reply and ack would look to the broker.
type crashTransport struct {
	broker.Transport
	remaining atomic.Int32
}

func (c *crashTransport) Dial(ctx context.Context) (broker.Session, error) {
	s, err := c.Transport.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &crashSession{Session: s, parent: c}, nil
}

type crashSession struct {
	broker.Session
	parent *crashTransport
}

func (s *crashSession) Publish(ctx context.Context, queue string, msg broker.Message) error {
	err := s.Session.Publish(ctx, queue, msg)
	if err == nil && msg.ReplyTo == "" && s.parent.remaining.Add(-1) >= 0 {
		_ = s.Session.Close()
	}
	return err
}

// memLedger is a map-backed broker.Ledger.
type memLedger struct {
	mu   sync.Mutex
	seen map[string][]byte
}

func newMemLedger() *memLedger { return &memLedger{seen: make(map[string][]byte)} }

func (l *memLedger) LookupResponse(_ context.Context, id string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.seen[id]
	return b, ok, nil
}

func (l *memLedger) RecordResponse(_ context.Context, id, _ string, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[id] = body
	return nil
}
