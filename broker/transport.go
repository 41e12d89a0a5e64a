package broker

import (
	"context"
	"errors"
)

var (
	// ErrSessionClosed is returned by operations on a session that was lost or closed.
	ErrSessionClosed = errors.New("broker: session closed")
	// ErrCallInFlight is returned when a Client is asked to start a second call
	// before the first one resolved.
	ErrCallInFlight = errors.New("broker: call already in flight on this client")
	// ErrCallTimeout is wrapped by Call when the bounded wait expires.
	ErrCallTimeout = errors.New("broker: call timed out")
	// ErrMalformedPayload is wrapped by Context.Bind on undecodable bodies.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrPoolClosed is returned by a closed ClientPool.
	ErrPoolClosed = errors.New("broker: client pool closed")
)

// Transport dials independent sessions against one broker. Each Client and
// each Worker owns the session it dialled; sessions are never shared.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is one connection+channel pair.
type Session interface {
	// DeclareQueue declares a durable request queue.
	DeclareQueue(ctx context.Context, name string) error
	// DeclareReplyQueue declares an anonymous exclusive queue that lives as
	// long as the session and returns its address.
	DeclareReplyQueue(ctx context.Context) (string, error)
	// Qos bounds the number of unacknowledged deliveries held by this session.
	Qos(prefetch int) error
	// Consume registers a consumer. With autoAck the broker forgets a
	// delivery as soon as it is sent.
	Consume(ctx context.Context, queue string, autoAck bool) (<-chan Delivery, error)
	// Publish sends msg to the named queue through the default exchange.
	Publish(ctx context.Context, queue string, msg Message) error
	// Done is closed when the session is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// sessionLost reports whether s is nil or already gone.
func sessionLost(s Session) bool {
	if s == nil {
		return true
	}
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
