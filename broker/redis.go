package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const replyPrefix = "reply:"

// RedisTransport maps queues onto Redis Streams. Every request queue is a
// stream with one consumer group shared by all workers, so each entry goes
// to exactly one consumer; XACK is the acknowledgment and entries left
// pending by a dead consumer are reclaimed with XAUTOCLAIM. Reply queues are
// pub/sub channels named "reply:<uuid>".
type RedisTransport struct {
	Client *redis.Client
	Group  string
	// ClaimMinIdle is how long an entry may stay pending before another
	// consumer takes it over.
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
	PollBlock     time.Duration
	StreamMaxLen  int64
}

func NewRedisTransport(client *redis.Client, group string) *RedisTransport {
	return &RedisTransport{
		Client:        client,
		Group:         group,
		ClaimMinIdle:  30 * time.Second,
		ClaimInterval: 5 * time.Second,
		PollBlock:     2 * time.Second,
	}
}

func (t *RedisTransport) Dial(ctx context.Context) (Session, error) {
	if err := t.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	return &redisSession{
		t:        t,
		rdb:      t.Client,
		consumer: defaultConsumerID(),
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		replies:  make(map[string]*redis.PubSub),
		inflight: make(map[string]struct{}),
	}, nil
}

type redisSession struct {
	t        *RedisTransport
	rdb      *redis.Client
	consumer string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu       sync.Mutex
	err      error
	replies  map[string]*redis.PubSub
	prefetch int
	inflight map[string]struct{} // unacknowledged stream entry ids
}

func (s *redisSession) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		subs := s.replies
		s.replies = map[string]*redis.PubSub{}
		s.mu.Unlock()

		s.cancel()
		for _, sub := range subs {
			_ = sub.Close()
		}
		close(s.done)
	})
}

func (s *redisSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *redisSession) DeclareQueue(ctx context.Context, name string) error {
	if s.closed() {
		return ErrSessionClosed
	}
	err := s.rdb.XGroupCreateMkStream(ctx, name, s.t.Group, "0").Err()
	if err != nil && !isGroupExists(err) {
		return err
	}
	return nil
}

func isGroupExists(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (s *redisSession) DeclareReplyQueue(ctx context.Context) (string, error) {
	if s.closed() {
		return "", ErrSessionClosed
	}
	name := replyPrefix + NewCorrelationID()
	sub := s.rdb.Subscribe(s.ctx, name)
	// Wait for the subscription to be confirmed so no reply can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return "", err
	}
	s.mu.Lock()
	s.replies[name] = sub
	s.mu.Unlock()
	return name, nil
}

func (s *redisSession) Qos(prefetch int) error {
	s.mu.Lock()
	s.prefetch = prefetch
	s.mu.Unlock()
	return nil
}

func (s *redisSession) Consume(_ context.Context, queue string, autoAck bool) (<-chan Delivery, error) {
	if s.closed() {
		return nil, ErrSessionClosed
	}
	s.mu.Lock()
	sub, isReply := s.replies[queue]
	s.mu.Unlock()

	out := make(chan Delivery)
	if isReply {
		go s.consumeReplies(queue, sub, out)
		return out, nil
	}
	go s.consumeStream(queue, autoAck, out)
	return out, nil
}

func (s *redisSession) consumeReplies(queue string, sub *redis.PubSub, out chan<- Delivery) {
	defer close(out)
	for msg := range sub.Channel() {
		var env rpcEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		d := Delivery{
			Message: Message{Body: env.Body, CorrelationID: env.CorrelationID},
			Queue:   queue,
		}
		select {
		case out <- d:
		case <-s.done:
			return
		}
	}
}

func (s *redisSession) Publish(ctx context.Context, queue string, msg Message) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if strings.HasPrefix(queue, replyPrefix) {
		b, err := json.Marshal(rpcEnvelope{CorrelationID: msg.CorrelationID, Body: msg.Body})
		if err != nil {
			return err
		}
		return s.rdb.Publish(ctx, queue, b).Err()
	}
	args := &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{
			fieldPayload: string(msg.Body),
			fieldReplyTo: msg.ReplyTo,
			fieldCorrID:  msg.CorrelationID,
		},
	}
	if s.t.StreamMaxLen > 0 {
		args.MaxLen = s.t.StreamMaxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		s.fail(fmt.Errorf("xadd %s: %w", queue, err))
		return err
	}
	return nil
}

func (s *redisSession) Done() <-chan struct{} { return s.done }

func (s *redisSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSession) Close() error {
	s.fail(ErrSessionClosed)
	return nil
}
