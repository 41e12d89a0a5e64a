package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/mrjvadi/finance-rpc/broker"
)

func TestWorker_FailureEnvelope(t *testing.T) {
	mb := broker.NewMemoryBroker()
	w := broker.NewWorker(mb)
	w.Handle("login", func(c *broker.Context) (broker.Result, error) {
		return nil, broker.Failure("", broker.Result{"user_id": nil})
	})
	w.Handle("plain", func(c *broker.Context) (broker.Result, error) {
		return nil, assert.AnError
	})
	startWorker(t, w)
	c := newClient(t, mb)

	resp, err := c.Call(context.Background(), "login", nil)
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.JSONEq(t, `{"status":"failure","user_id":null}`, string(resp.Body))

	resp, err = c.Call(context.Background(), "plain", nil)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFailure, resp.Status)
	m, err := resp.Map()
	require.NoError(t, err)
	assert.Equal(t, assert.AnError.Error(), m["error"])
}

func TestWorker_MalformedPayloadIsAnswered(t *testing.T) {
	mb := broker.NewMemoryBroker()
	w := broker.NewWorker(mb)
	w.Handle("echo", echo)
	startWorker(t, w)
	c := newClient(t, mb)

	resp, err := c.Call(context.Background(), "echo", []byte("{not json"))
	require.NoError(t, err)
	assert.False(t, resp.OK())
	m, err := resp.Map()
	require.NoError(t, err)
	assert.Contains(t, m["error"], "malformed payload")

	require.Eventually(t, func() bool { return w.Processed() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, mb.Unacked())
	assert.Zero(t, mb.QueueLen("echo"))
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	mb := broker.NewMemoryBroker()
	w := broker.NewWorker(mb)
	w.Handle("boom", func(c *broker.Context) (broker.Result, error) { panic("kaboom") })
	w.Handle("echo", echo)
	startWorker(t, w)
	c := newClient(t, mb)

	resp, err := c.Call(context.Background(), "boom", nil)
	require.NoError(t, err)
	assert.False(t, resp.OK())
	m, err := resp.Map()
	require.NoError(t, err)
	assert.Contains(t, m["error"], "kaboom")

	resp, err = c.Call(context.Background(), "echo", map[string]any{})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, broker.Connected, w.State())
}

func TestWorker_RequestWithoutReplyToIsAcked(t *testing.T) {
	mb := broker.NewMemoryBroker()
	var calls atomic.Int32
	w := broker.NewWorker(mb)
	w.Handle("fire", func(c *broker.Context) (broker.Result, error) {
		calls.Inc()
		return broker.Result{}, nil
	})
	startWorker(t, w)

	s, err := mb.Dial(context.Background())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Publish(context.Background(), "fire", broker.Message{Body: []byte(`{}`), CorrelationID: "c-1"}))

	require.Eventually(t, func() bool { return w.Processed() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, mb.Unacked())
}

// A worker that dies after replying but before acking gets the request
// again; without a ledger the handler runs twice.
func TestWorker_RedeliveryExecutesAgain(t *testing.T) {
	mb := broker.NewMemoryBroker()
	ct := &crashTransport{Transport: mb}
	ct.remaining.Store(1)

	var (
		mu          sync.Mutex
		redelivered []bool
	)
	w := broker.NewWorker(ct, fastBackoff())
	w.Handle("transaction-create", func(c *broker.Context) (broker.Result, error) {
		mu.Lock()
		redelivered = append(redelivered, c.Redelivered())
		mu.Unlock()
		return broker.Result{"message": "Transaction added successfully"}, nil
	})
	startWorker(t, w)
	c := newClient(t, mb)

	resp, err := c.Call(context.Background(), "transaction-create", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	require.Eventually(t, func() bool { return w.Processed() == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, redelivered)
}

func TestWorker_LedgerReplaysRedelivery(t *testing.T) {
	mb := broker.NewMemoryBroker()
	ct := &crashTransport{Transport: mb}
	ct.remaining.Store(1)
	ledger := newMemLedger()

	var execs atomic.Int32
	w := broker.NewWorker(ct, fastBackoff(), broker.WithLedger(ledger))
	w.Handle("transaction-create", func(c *broker.Context) (broker.Result, error) {
		execs.Inc()
		return broker.Result{"message": "Transaction added successfully"}, nil
	})
	startWorker(t, w)
	c := newClient(t, mb)

	resp, err := c.Call(context.Background(), "transaction-create", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	require.Eventually(t, func() bool { return w.Processed() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, execs.Load())

	recorded, ok, err := ledger.LookupResponse(context.Background(), resp.CorrelationID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(resp.Body), string(recorded))
}

func TestWorker_RunPreconditions(t *testing.T) {
	mb := broker.NewMemoryBroker()

	empty := broker.NewWorker(mb)
	assert.Error(t, empty.Run(context.Background()))

	w := broker.NewWorker(mb)
	w.Handle("echo", echo)
	startWorker(t, w)
	assert.Error(t, w.Run(context.Background()), "second Run on a running worker")
}

func TestWorker_ReconnectsAfterBrokerRestart(t *testing.T) {
	mb := broker.NewMemoryBroker()
	var states []broker.State
	var mu sync.Mutex
	w := broker.NewWorker(mb, fastBackoff(), broker.WithStateHook(func(_ string, s broker.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	w.Handle("echo", echo)
	startWorker(t, w)

	mb.Kill()
	require.Eventually(t, func() bool { return w.State() == broker.Degraded }, 2*time.Second, time.Millisecond)
	mb.Restore()
	require.Eventually(t, func() bool { return w.State() == broker.Connected }, 2*time.Second, time.Millisecond)

	c := newClient(t, mb)
	resp, err := c.Call(context.Background(), "echo", map[string]any{"after": "restart"})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, broker.Disconnected)
	assert.Contains(t, states, broker.Degraded)
	assert.Equal(t, broker.Connected, states[len(states)-1])
}

func TestWorker_GroupPrefixesQueues(t *testing.T) {
	mb := broker.NewMemoryBroker()
	w := broker.NewWorker(mb)
	g := w.Group("finance")
	g.Handle("login", echo)
	g.Group("v2").Handle("login", echo)
	w.Handle("plain", echo)

	assert.Equal(t, []string{"finance.login", "finance.v2.login", "plain"}, w.Queues())
	assert.Equal(t, "login", broker.QueueName("", "login"))
	assert.Equal(t, "finance", broker.QueueName("finance", ""))

	startWorker(t, w)
	c := newClient(t, mb)
	resp, err := c.Call(context.Background(), "finance.v2.login", nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())
}
