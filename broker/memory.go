package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

var (
	// ErrBrokerUnavailable is returned by MemoryBroker.Dial while the broker is down.
	ErrBrokerUnavailable = errors.New("broker: unavailable")
	errBrokerKilled      = errors.New("broker: connection reset by broker")
)

// MemoryBroker is an in-process broker with AMQP-like semantics: durable
// named queues, exclusive reply queues, competing consumers with round-robin
// dispatch, per-consumer prefetch, and redelivery of unacknowledged messages
// when a session goes away. It backs tests and single-binary local runs.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	sessions map[*memSession]struct{}
	down     bool
	tags     uint64
}

type memMsg struct {
	Message
	redelivered bool
}

type memQueue struct {
	name      string
	owner     *memSession
	ready     []*memMsg
	consumers []*memConsumer
	next      int
}

type memPending struct {
	msg      *memMsg
	queue    *memQueue
	consumer *memConsumer
}

type memConsumer struct {
	sess     *memSession
	queue    *memQueue
	autoAck  bool
	inflight int

	mu     sync.Mutex
	buf    []Delivery
	notify chan struct{}
	out    chan Delivery
}

type memSession struct {
	b         *MemoryBroker
	prefetch  int
	unacked   map[string]*memPending
	consumers []*memConsumer
	done      chan struct{}
	err       error
	closed    bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]*memQueue),
		sessions: make(map[*memSession]struct{}),
	}
}

// Dial opens a session.
func (b *MemoryBroker) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrBrokerUnavailable
	}
	s := &memSession{
		b:       b,
		unacked: make(map[string]*memPending),
		done:    make(chan struct{}),
	}
	b.sessions[s] = struct{}{}
	return s, nil
}

// Kill drops every session, as a broker crash would, and refuses new ones
// until Restore. Durable queues keep their messages; unacknowledged ones go
// back to the head of their queue.
func (b *MemoryBroker) Kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
	for s := range b.sessions {
		b.closeSessionLocked(s, errBrokerKilled)
	}
}

// Restore lets sessions be dialled again.
func (b *MemoryBroker) Restore() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
}

// QueueLen is the number of ready messages in a queue.
func (b *MemoryBroker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked is the number of delivered but unacknowledged messages.
func (b *MemoryBroker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.sessions {
		n += len(s.unacked)
	}
	return n
}

// Sessions is the number of open sessions.
func (b *MemoryBroker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *MemoryBroker) closeSessionLocked(s *memSession, err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	delete(b.sessions, s)

	touched := make(map[*memQueue]struct{})
	for tag, p := range s.unacked {
		p.msg.redelivered = true
		p.queue.ready = append([]*memMsg{p.msg}, p.queue.ready...)
		touched[p.queue] = struct{}{}
		delete(s.unacked, tag)
	}
	for _, c := range s.consumers {
		c.queue.removeConsumer(c)
	}
	for name, q := range b.queues {
		if q.owner == s {
			delete(b.queues, name)
			delete(touched, q)
		}
	}
	close(s.done)
	for q := range touched {
		b.dispatchLocked(q)
	}
}

func (b *MemoryBroker) dispatchLocked(q *memQueue) {
	for len(q.ready) > 0 {
		c := q.pick()
		if c == nil {
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]

		b.tags++
		tag := "t-" + strconv.FormatUint(b.tags, 10)
		d := Delivery{
			Message:     m.Message,
			Queue:       q.name,
			Tag:         tag,
			Redelivered: m.redelivered,
		}
		if !c.autoAck {
			s := c.sess
			c.inflight++
			s.unacked[tag] = &memPending{msg: m, queue: q, consumer: c}
			d.ack = func() error { return b.settle(s, tag, false, false) }
			d.nack = func(requeue bool) error { return b.settle(s, tag, true, requeue) }
		}
		c.push(d)
	}
}

func (b *MemoryBroker) settle(s *memSession, tag string, reject, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	p, ok := s.unacked[tag]
	if !ok {
		return fmt.Errorf("broker: unknown delivery tag %s", tag)
	}
	delete(s.unacked, tag)
	p.consumer.inflight--
	if reject && requeue {
		p.msg.redelivered = true
		p.queue.ready = append([]*memMsg{p.msg}, p.queue.ready...)
	}
	b.dispatchLocked(p.queue)
	return nil
}

// pick returns the next consumer, round-robin, that has prefetch room.
func (q *memQueue) pick() *memConsumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		c := q.consumers[idx]
		if c.autoAck || c.sess.prefetch <= 0 || c.inflight < c.sess.prefetch {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

func (q *memQueue) removeConsumer(c *memConsumer) {
	for i, cc := range q.consumers {
		if cc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.next >= len(q.consumers) {
				q.next = 0
			}
			return
		}
	}
}

func (c *memConsumer) push(d Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *memConsumer) pump(done <-chan struct{}) {
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.buf) == 0 {
			c.mu.Unlock()
			select {
			case <-c.notify:
				continue
			case <-done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-done:
			return
		}
	}
}

func (s *memSession) DeclareQueue(_ context.Context, name string) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != s {
			return fmt.Errorf("broker: queue %s is exclusive to another session", name)
		}
		return nil
	}
	b.queues[name] = &memQueue{name: name}
	return nil
}

func (s *memSession) DeclareReplyQueue(_ context.Context) (string, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	name := "amq.gen-" + NewCorrelationID()
	b.queues[name] = &memQueue{name: name, owner: s}
	return name, nil
}

func (s *memSession) Qos(prefetch int) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.prefetch = prefetch
	return nil
}

func (s *memSession) Consume(_ context.Context, queue string, autoAck bool) (<-chan Delivery, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("broker: no queue %s", queue)
	}
	c := &memConsumer{
		sess:    s,
		queue:   q,
		autoAck: autoAck,
		notify:  make(chan struct{}, 1),
		out:     make(chan Delivery),
	}
	s.consumers = append(s.consumers, c)
	q.consumers = append(q.consumers, c)
	go c.pump(s.done)
	b.dispatchLocked(q)
	return c.out, nil
}

func (s *memSession) Publish(ctx context.Context, queue string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		// Unroutable on the default exchange: dropped, as AMQP does.
		return nil
	}
	msg.Body = append([]byte(nil), msg.Body...)
	q.ready = append(q.ready, &memMsg{Message: msg})
	b.dispatchLocked(q)
	return nil
}

func (s *memSession) Done() <-chan struct{} { return s.done }

func (s *memSession) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.err
}

func (s *memSession) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.closeSessionLocked(s, ErrSessionClosed)
	return nil
}
