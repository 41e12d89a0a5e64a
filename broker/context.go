package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Context carries one delivery through a handler.
type Context struct {
	ctx      context.Context
	delivery Delivery
	worker   string
}

// Bind decodes the JSON payload into v. Numbers decode as json.Number when
// v is an untyped map.
func (c *Context) Bind(v any) error {
	dec := json.NewDecoder(bytes.NewReader(c.delivery.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// Ctx returns the worker's context.
func (c *Context) Ctx() context.Context { return c.ctx }

// Queue is the queue the request arrived on.
func (c *Context) Queue() string { return c.delivery.Queue }

// CorrelationID is the caller's correlation token.
func (c *Context) CorrelationID() string { return c.delivery.CorrelationID }

// Redelivered reports whether the broker already handed this request out once.
func (c *Context) Redelivered() bool { return c.delivery.Redelivered }

// DeliveryTag identifies this delivery attempt.
func (c *Context) DeliveryTag() string { return c.delivery.Tag }

// Worker names the worker processing the delivery.
func (c *Context) Worker() string { return c.worker }

// Payload returns the raw request body.
func (c *Context) Payload() []byte { return c.delivery.Body }
