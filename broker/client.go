package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClientClosed is returned by Call on a closed client.
var ErrClientClosed = errors.New("broker: client closed")

// Client is a correlation-based RPC client. It owns one session and one
// private reply queue for its whole life and runs at most one call at a time.
type Client struct {
	transport Transport
	opts      options
	logger    *zap.Logger
	conn      *Reconnector

	busy atomic.Bool

	mu      sync.Mutex
	session Session
	replyTo string
	pending *pendingCall
	closed  bool
}

// pendingCall is the one-shot result slot of a single call.
type pendingCall struct {
	id   string
	done chan *Response
}

// NewClient connects a client, retrying with backoff until ctx is done.
func NewClient(ctx context.Context, t Transport, opts ...Option) (*Client, error) {
	o := applyOptions(opts)
	if o.name == "" {
		o.name = "rpc-client"
	}
	c := &Client{
		transport: t,
		opts:      o,
		logger:    o.logger.With(zap.String("component", o.name)),
		conn:      newReconnector(o.name, &o),
	}
	if err := c.conn.Connect(ctx, c.dial); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) error {
	s, err := c.transport.Dial(ctx)
	if err != nil {
		return err
	}
	replyTo, err := s.DeclareReplyQueue(ctx)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("declare reply queue: %w", err)
	}
	replies, err := s.Consume(ctx, replyTo, true)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("consume reply queue: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = s.Close()
		return ErrClientClosed
	}
	old := c.session
	c.session, c.replyTo = s, replyTo
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	go c.receive(replies)
	return nil
}

// receive fulfils the pending slot on a correlation match and drops
// everything else: replies to calls that already resolved, or duplicates.
func (c *Client) receive(replies <-chan Delivery) {
	for d := range replies {
		c.mu.Lock()
		p := c.pending
		c.mu.Unlock()

		if p == nil || p.id != d.CorrelationID {
			c.logger.Debug("dropping stale reply", zap.String("correlation_id", d.CorrelationID))
			continue
		}
		resp, err := parseResponse(d.CorrelationID, d.Body)
		if err != nil {
			c.logger.Warn("undecodable reply", zap.String("correlation_id", d.CorrelationID), zap.Error(err))
			continue
		}
		select {
		case p.done <- resp:
		default:
		}
	}
}

// Call publishes payload on queue and blocks until the correlated reply
// arrives, the call timeout expires, or ctx is done. Transport failures are
// retried by reconnecting and publishing again with the same correlation id,
// so a request may execute more than once.
func (c *Client) Call(ctx context.Context, queue string, payload any) (*Response, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrCallInFlight
	}
	defer c.busy.Store(false)

	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if c.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
		defer cancel()
	}

	call := &pendingCall{id: NewCorrelationID(), done: make(chan *Response, 1)}
	c.setPending(call)
	defer c.setPending(nil)

	log := c.logger.With(zap.String("queue", queue), zap.String("correlation_id", call.id))
	for {
		s, replyTo, err := c.ready(ctx)
		if err != nil {
			return nil, callError(queue, err)
		}

		msg := Message{Body: body, CorrelationID: call.id, ReplyTo: replyTo, Persistent: true}
		if err := s.Publish(ctx, queue, msg); err != nil {
			if ctx.Err() != nil {
				return nil, callError(queue, ctx.Err())
			}
			c.lost(s, err)
			log.Warn("publish failed, republishing after reconnect", zap.Error(err))
			continue
		}

		select {
		case resp := <-call.done:
			return resp, nil
		case <-s.Done():
			select {
			case resp := <-call.done:
				return resp, nil
			default:
			}
			c.lost(s, s.Err())
			log.Warn("session lost while awaiting reply, republishing after reconnect")
		case <-ctx.Done():
			return nil, callError(queue, ctx.Err())
		}
	}
}

// ready returns a live session, reconnecting first if needed.
func (c *Client) ready(ctx context.Context) (Session, string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, "", ErrClientClosed
	}
	s, replyTo := c.session, c.replyTo
	c.mu.Unlock()
	if !sessionLost(s) {
		return s, replyTo, nil
	}

	if err := c.conn.Connect(ctx, c.dial); err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, "", ErrClientClosed
	}
	return c.session, c.replyTo, nil
}

func (c *Client) lost(s Session, err error) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
	_ = s.Close()
	if err == nil {
		err = ErrSessionClosed
	}
	c.conn.Lost(err)
}

func (c *Client) setPending(p *pendingCall) {
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
}

// Pending returns the correlation id of the call in flight, if any.
func (c *Client) Pending() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return "", false
	}
	return c.pending.id, true
}

// State reports the connection state.
func (c *Client) State() State { return c.conn.State() }

// Healthy reports whether the client is open and its session alive.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !sessionLost(c.session)
}

// Close tears the session down; the reply queue goes with it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	c.mu.Unlock()

	c.conn.Closed()
	if s != nil {
		return s.Close()
	}
	return nil
}

func callError(queue string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("call %s: %w: %w", queue, ErrCallTimeout, err)
	}
	return fmt.Errorf("call %s: %w", queue, err)
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
