package broker

import (
	"encoding/json"
	"errors"
)

// Status is the outcome carried in every response envelope.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Message is a request or response envelope as it travels over a Session.
type Message struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	Persistent    bool
}

// Delivery is a Message received from a queue. Deliveries consumed with
// manual acknowledgment must be acked exactly once.
type Delivery struct {
	Message

	Queue       string
	Tag         string // unique within the owning session
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// Ack confirms the delivery was fully processed.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally handing it back to the broker.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Response is a correlated reply as seen by the calling side.
type Response struct {
	CorrelationID string
	Status        Status
	Body          []byte // the whole flat JSON object, status included
}

// OK reports whether the worker marked the response successful.
func (r *Response) OK() bool { return r != nil && r.Status == StatusSuccess }

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if r == nil {
		return errors.New("nil response")
	}
	return json.Unmarshal(r.Body, v)
}

// Map returns the response body as a generic JSON object.
func (r *Response) Map() (map[string]any, error) {
	m := make(map[string]any)
	if err := r.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseResponse(corrID string, body []byte) (*Response, error) {
	var head struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, err
	}
	return &Response{CorrelationID: corrID, Status: head.Status, Body: body}, nil
}

// Result holds the operation-specific fields of a response envelope.
type Result map[string]any

// HandlerFunc serves one request queue. A nil error produces a success
// envelope carrying the returned fields; an error produces a failure envelope.
type HandlerFunc func(c *Context) (Result, error)

// Redis stream field names.
const (
	fieldPayload = "payload"
	fieldReplyTo = "reply_to"
	fieldCorrID  = "correlation_id"
)

// rpcEnvelope wraps a reply published on a Redis reply channel, which has no
// message properties of its own.
type rpcEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Body          json.RawMessage `json:"body"`
}
