package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Ledger records responses by correlation id so that a redelivered request
// replays its first response instead of executing again.
type Ledger interface {
	LookupResponse(ctx context.Context, correlationID string) ([]byte, bool, error)
	RecordResponse(ctx context.Context, correlationID, queue string, body []byte) error
}

// Worker consumes every registered queue over one session and processes
// deliveries strictly one at a time: handler, reply, then ack.
type Worker struct {
	transport Transport
	o         options
	name      string
	logger    *zap.Logger
	conn      *Reconnector

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	running   *atomic.Bool
	processed *atomic.Int64
}

func NewWorker(t Transport, opts ...Option) *Worker {
	o := applyOptions(opts)
	if o.name == "" {
		o.name = "worker-" + defaultConsumerID()
	}
	return &Worker{
		transport: t,
		o:         o,
		name:      o.name,
		logger:    o.logger.With(zap.String("worker", o.name)),
		conn:      newReconnector(o.name, &o),
		handlers:  make(map[string]HandlerFunc),
		running:   atomic.NewBool(false),
		processed: atomic.NewInt64(0),
	}
}

// Handle binds a handler to a queue. Handlers added while running take
// effect on the next reconnect.
func (w *Worker) Handle(queue string, h HandlerFunc) {
	w.mu.Lock()
	w.handlers[queue] = h
	w.mu.Unlock()
}

// Queues lists the queues with a bound handler.
func (w *Worker) Queues() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	qs := make([]string, 0, len(w.handlers))
	for q := range w.handlers {
		qs = append(qs, q)
	}
	sort.Strings(qs)
	return qs
}

func (w *Worker) handler(queue string) HandlerFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[queue]
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) State() State { return w.conn.State() }

// Processed counts acknowledged deliveries.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Run blocks until ctx is done, reconnecting after every transport failure.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("broker: worker already running")
	}
	defer w.running.Store(false)

	queues := w.Queues()
	if len(queues) == 0 {
		return errors.New("broker: worker has no handlers")
	}
	w.logger.Info("worker starting", zap.Strings("queues", queues), zap.Int("prefetch", w.o.prefetch))

	for {
		var (
			s          Session
			deliveries <-chan Delivery
		)
		err := w.conn.Connect(ctx, func(ctx context.Context) error {
			var err error
			s, deliveries, err = w.dial(ctx, queues)
			return err
		})
		if err != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		err = w.serve(ctx, s, deliveries)
		_ = s.Close()
		if ctx.Err() != nil {
			w.conn.Closed()
			w.logger.Info("worker stopped")
			return nil
		}
		w.conn.Lost(err)
	}
}

func (w *Worker) dial(ctx context.Context, queues []string) (Session, <-chan Delivery, error) {
	s, err := w.transport.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (Session, <-chan Delivery, error) {
		_ = s.Close()
		return nil, nil, err
	}

	for _, q := range queues {
		if err := s.DeclareQueue(ctx, q); err != nil {
			return fail(fmt.Errorf("declare queue %s: %w", q, err))
		}
	}
	if err := s.Qos(w.o.prefetch); err != nil {
		return fail(fmt.Errorf("qos: %w", err))
	}

	out := make(chan Delivery)
	var wg sync.WaitGroup
	for _, q := range queues {
		ch, err := s.Consume(ctx, q, false)
		if err != nil {
			return fail(fmt.Errorf("consume %s: %w", q, err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range ch {
				select {
				case out <- d:
				case <-s.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return s, out, nil
}

func (w *Worker) serve(ctx context.Context, s Session, deliveries <-chan Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return sessionErr(s)
		case d, ok := <-deliveries:
			if !ok {
				return sessionErr(s)
			}
			if err := w.process(ctx, s, d); err != nil {
				return err
			}
		}
	}
}

// process replies before it acks. A failed publish leaves the delivery
// unacknowledged so the broker hands it to another consumer.
func (w *Worker) process(ctx context.Context, s Session, d Delivery) error {
	log := w.logger.With(
		zap.String("queue", d.Queue),
		zap.String("correlation_id", d.CorrelationID),
		zap.String("tag", d.Tag))

	body := w.respond(ctx, d, log)
	if d.ReplyTo == "" {
		log.Warn("request has no reply-to address, reply dropped")
	} else if err := s.Publish(ctx, d.ReplyTo, Message{Body: body, CorrelationID: d.CorrelationID}); err != nil {
		log.Error("publish reply failed, leaving delivery unacknowledged", zap.Error(err))
		return fmt.Errorf("publish reply: %w", err)
	}

	if err := d.Ack(); err != nil {
		log.Error("ack failed", zap.Error(err))
		return fmt.Errorf("ack: %w", err)
	}
	w.processed.Inc()
	return nil
}

func (w *Worker) respond(ctx context.Context, d Delivery, log *zap.Logger) []byte {
	ledger := w.o.ledger
	if ledger == nil || d.CorrelationID == "" {
		return w.execute(ctx, d, log)
	}

	if body, ok, err := ledger.LookupResponse(ctx, d.CorrelationID); err != nil {
		log.Warn("ledger lookup failed", zap.Error(err))
	} else if ok {
		log.Info("replaying recorded response")
		return body
	}
	body := w.execute(ctx, d, log)
	if err := ledger.RecordResponse(ctx, d.CorrelationID, d.Queue, body); err != nil {
		log.Warn("ledger record failed", zap.Error(err))
	}
	return body
}

func (w *Worker) execute(ctx context.Context, d Delivery, log *zap.Logger) (body []byte) {
	h := w.handler(d.Queue)
	if h == nil {
		log.Warn("no handler for queue")
		body, _ = buildResponse(nil, fmt.Errorf("no handler for queue %q", d.Queue))
		return body
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r))
			body, _ = buildResponse(nil, fmt.Errorf("internal error: %v", r))
		}
	}()

	res, err := h(&Context{ctx: ctx, delivery: d, worker: w.name})
	if err != nil {
		log.Info("request failed", zap.Error(err))
	} else {
		log.Debug("request handled")
	}
	body, _ = buildResponse(res, err)
	return body
}

func sessionErr(s Session) error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}
