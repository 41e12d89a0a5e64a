package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjvadi/finance-rpc/broker"
)

func newRedisTransport(t *testing.T) (*broker.RedisTransport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tr := broker.NewRedisTransport(rdb, "finance")
	tr.PollBlock = 50 * time.Millisecond
	tr.ClaimMinIdle = 0
	return tr, mr
}

func TestRedisTransport_RoundTrip(t *testing.T) {
	tr, mr := newRedisTransport(t)
	tr.StreamMaxLen = 1000

	w := broker.NewWorker(tr, broker.WithName("redis-w"))
	w.Handle("login", func(c *broker.Context) (broker.Result, error) {
		var in struct {
			Username string `json:"username"`
		}
		if err := c.Bind(&in); err != nil {
			return nil, err
		}
		return broker.Result{"user_id": 1, "username": in.Username}, nil
	})
	startWorker(t, w)
	c := newClient(t, tr)

	for _, name := range []string{"alice", "bob"} {
		resp, err := c.Call(context.Background(), "login", map[string]string{"username": name})
		require.NoError(t, err)
		require.True(t, resp.OK())
		m, err := resp.Map()
		require.NoError(t, err)
		assert.Equal(t, name, m["username"])
	}

	require.Eventually(t, func() bool { return w.Processed() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, mr.Exists("login"), "request queue is a stream")

	// Every entry was acknowledged through the group.
	rdb := tr.Client
	pending, err := rdb.XPending(context.Background(), "login", "finance").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisTransport_DeclareQueueIsIdempotent(t *testing.T) {
	tr, _ := newRedisTransport(t)
	s, err := tr.Dial(context.Background())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.DeclareQueue(context.Background(), "register"))
	require.NoError(t, s.DeclareQueue(context.Background(), "register"))
}

func TestRedisTransport_ReplyChannelIsPrivate(t *testing.T) {
	tr, _ := newRedisTransport(t)
	ctx := context.Background()
	a, err := tr.Dial(ctx)
	require.NoError(t, err)
	defer a.Close()
	b, err := tr.Dial(ctx)
	require.NoError(t, err)
	defer b.Close()

	name, err := a.DeclareReplyQueue(ctx)
	require.NoError(t, err)
	assert.Contains(t, name, "reply:")
	ch, err := a.Consume(ctx, name, true)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, name, broker.Message{Body: []byte(`{"status":"success"}`), CorrelationID: "c-9"}))
	d := recv(t, ch)
	assert.Equal(t, "c-9", d.CorrelationID)
	assert.JSONEq(t, `{"status":"success"}`, string(d.Body))

	require.NoError(t, a.Close())
	<-a.Done()
	assert.ErrorIs(t, a.Publish(ctx, name, broker.Message{}), broker.ErrSessionClosed)
}

// An entry left pending by a consumer that went away is claimed by the next
// one once it has been idle long enough.
func TestRedisTransport_ClaimsAbandonedEntries(t *testing.T) {
	tr, _ := newRedisTransport(t)
	tr.ClaimMinIdle = time.Millisecond
	tr.ClaimInterval = time.Millisecond
	ctx := context.Background()

	first, err := tr.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, first.DeclareQueue(ctx, "transaction-create"))
	require.NoError(t, first.Publish(ctx, "transaction-create", broker.Message{Body: []byte(`{"amount":5}`), CorrelationID: "c-1", ReplyTo: "reply:x"}))

	ch, err := first.Consume(ctx, "transaction-create", false)
	require.NoError(t, err)
	d := recv(t, ch)
	assert.False(t, d.Redelivered)
	require.NoError(t, first.Close())

	time.Sleep(5 * time.Millisecond)
	second, err := tr.Dial(ctx)
	require.NoError(t, err)
	defer second.Close()
	ch, err = second.Consume(ctx, "transaction-create", false)
	require.NoError(t, err)

	d = recv(t, ch)
	assert.True(t, d.Redelivered)
	assert.Equal(t, "c-1", d.CorrelationID)
	assert.Equal(t, "reply:x", d.ReplyTo)
	assert.JSONEq(t, `{"amount":5}`, string(d.Body))
	require.NoError(t, d.Ack())
}

func TestRedisTransport_DialFailsWhenServerDown(t *testing.T) {
	tr, mr := newRedisTransport(t)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Dial(ctx)
	assert.Error(t, err)
}
