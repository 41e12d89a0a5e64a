package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeStream reads new entries for this consumer through the group and,
// every ClaimInterval, takes over entries other consumers left pending.
func (s *redisSession) consumeStream(queue string, autoAck bool, out chan<- Delivery) {
	defer close(out)

	claimEvery := s.t.ClaimInterval
	if claimEvery <= 0 {
		claimEvery = 5 * time.Second
	}
	lastClaim := time.Now()

	for {
		if s.ctx.Err() != nil {
			return
		}

		room := s.room()
		if room <= 0 {
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-s.done:
				return
			}
		}

		if s.t.ClaimMinIdle > 0 && time.Since(lastClaim) >= claimEvery {
			lastClaim = time.Now()
			msgs, _, err := s.rdb.XAutoClaim(s.ctx, &redis.XAutoClaimArgs{
				Stream:   queue,
				Group:    s.t.Group,
				Consumer: s.consumer,
				MinIdle:  s.t.ClaimMinIdle,
				Start:    "0-0",
				Count:    room,
			}).Result()
			if err == nil {
				for _, m := range msgs {
					if s.holding(m.ID) {
						continue
					}
					if !s.deliver(queue, m, autoAck, true, out) {
						return
					}
				}
				room = s.room()
				if room <= 0 {
					continue
				}
			}
		}

		res, err := s.rdb.XReadGroup(s.ctx, &redis.XReadGroupArgs{
			Group:    s.t.Group,
			Consumer: s.consumer,
			Streams:  []string{queue, ">"},
			Count:    room,
			Block:    s.t.PollBlock,
			NoAck:    autoAck,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("xreadgroup %s: %w", queue, err))
			}
			return
		}

		for _, str := range res {
			for _, m := range str.Messages {
				if !s.deliver(queue, m, autoAck, false, out) {
					return
				}
			}
		}
	}
}

// room is how many more deliveries the prefetch window allows.
func (s *redisSession) room() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefetch <= 0 {
		return 100
	}
	return int64(s.prefetch - len(s.inflight))
}

// holding reports whether this session already has the entry in flight, so
// it never claims back its own slow deliveries.
func (s *redisSession) holding(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *redisSession) deliver(queue string, m redis.XMessage, autoAck, redelivered bool, out chan<- Delivery) bool {
	body, _ := m.Values[fieldPayload].(string)
	replyTo, _ := m.Values[fieldReplyTo].(string)
	corrID, _ := m.Values[fieldCorrID].(string)

	d := Delivery{
		Message: Message{
			Body:          []byte(body),
			CorrelationID: corrID,
			ReplyTo:       replyTo,
			Persistent:    true,
		},
		Queue:       queue,
		Tag:         m.ID,
		Redelivered: redelivered,
	}
	if !autoAck {
		id := m.ID
		s.mu.Lock()
		s.inflight[id] = struct{}{}
		s.mu.Unlock()
		d.ack = func() error { return s.settle(queue, id, true) }
		d.nack = func(requeue bool) error { return s.settle(queue, id, !requeue) }
	}

	select {
	case out <- d:
		return true
	case <-s.done:
		return false
	}
}

// settle releases the prefetch slot. Acked entries leave the pending list;
// requeued ones stay pending until XAUTOCLAIM hands them out again.
func (s *redisSession) settle(queue, id string, ack bool) error {
	if s.closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
	if !ack {
		return nil
	}
	return s.rdb.XAck(s.ctx, queue, s.t.Group, id).Err()
}
