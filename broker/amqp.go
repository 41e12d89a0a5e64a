package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTransport dials an AMQP 0-9-1 broker such as RabbitMQ. Every session
// is a dedicated connection with one channel.
type AMQPTransport struct {
	URL       string
	Heartbeat time.Duration
	// Name is reported to the broker as the connection name.
	Name string
}

func NewAMQPTransport(url string) *AMQPTransport {
	return &AMQPTransport{URL: url, Heartbeat: 10 * time.Second, Name: "finance-rpc"}
}

func (t *AMQPTransport) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(t.Name)
	conn, err := amqp.DialConfig(t.URL, amqp.Config{
		Heartbeat:  t.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	s := &amqpSession{conn: conn, ch: ch, done: make(chan struct{})}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var aerr *amqp.Error
		select {
		case aerr = <-connClosed:
		case aerr = <-chClosed:
		}
		if aerr != nil {
			s.fail(aerr)
		} else {
			s.fail(ErrSessionClosed)
		}
	}()
	return s, nil
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *amqpSession) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *amqpSession) DeclareQueue(_ context.Context, name string) error {
	_, err := s.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func (s *amqpSession) DeclareReplyQueue(_ context.Context) (string, error) {
	q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (s *amqpSession) Qos(prefetch int) error {
	return s.ch.Qos(prefetch, 0, false)
}

func (s *amqpSession) Consume(_ context.Context, queue string, autoAck bool) (<-chan Delivery, error) {
	msgs, err := s.ch.Consume(queue, "", autoAck, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			d := Delivery{
				Message: Message{
					Body:          m.Body,
					CorrelationID: m.CorrelationId,
					ReplyTo:       m.ReplyTo,
					Persistent:    m.DeliveryMode == amqp.Persistent,
				},
				Queue:       queue,
				Tag:         strconv.FormatUint(m.DeliveryTag, 10),
				Redelivered: m.Redelivered,
			}
			if !autoAck {
				d.ack = func() error { return m.Ack(false) }
				d.nack = func(requeue bool) error { return m.Nack(false, requeue) }
			}
			select {
			case out <- d:
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

func (s *amqpSession) Publish(ctx context.Context, queue string, msg Message) error {
	p := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Body:          msg.Body,
		Timestamp:     time.Now(),
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	return s.ch.PublishWithContext(ctx, "", queue, false, false, p)
}

func (s *amqpSession) Done() <-chan struct{} { return s.done }

func (s *amqpSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amqpSession) Close() error {
	s.fail(ErrSessionClosed)
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}
