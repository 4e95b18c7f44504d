// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/qodbroker/internal/log"
	"github.com/ManuGH/qodbroker/internal/metrics"
)

// Publisher delivers events to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Close() error
}

// MemoryBroker is an in-process pub/sub for tests and single-instance
// deployments. It is not durable; a publish blocks on a full subscriber until
// the publish context is done.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

const (
	subscriptionBuffer = 64
	dropLogEvery       = 100
)

var dropCount atomic.Uint64

var errBrokerClosed = errors.New("broker closed")

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]chan Event)}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, ev Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	// Held across sends so a concurrent Subscription.Close cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publish topic %q: %w", topic, errBrokerClosed)
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		case <-ctx.Done():
			reason := publishDropReason(ctx.Err())
			metrics.IncBrokerDrop(topic, reason)
			if count := dropCount.Add(1); count%dropLogEvery == 0 {
				xglog.L().Warn().
					Str(xglog.FieldTopic, topic).
					Str("reason", reason).
					Uint64("dropped", count).
					Msg("memory broker failed to publish due to context cancellation")
			}
			return fmt.Errorf("publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

// Subscription receives events published to one topic.
type Subscription struct {
	b     *MemoryBroker
	topic string
	ch    chan Event
	once  sync.Once
}

// Subscribe registers a buffered subscriber on topic.
func (b *MemoryBroker) Subscribe(topic string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &Subscription{b: b, topic: topic, ch: ch}
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.topic]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		close(s.ch)
	})
	return nil
}

// Close rejects further publishes. Subscriptions stay open until closed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// RedisStreamBroker appends events to a Redis stream named after the topic.
// Consumers replay the stream with XREAD/XREADGROUP.
type RedisStreamBroker struct {
	client *redis.Client
	maxLen int64
	owned  bool
	logger zerolog.Logger
}

// DefaultStreamMaxLen caps each stream approximately.
const DefaultStreamMaxLen = 100_000

// NewRedisStreamBroker publishes through client. The caller keeps ownership
// of the client unless owned is true.
func NewRedisStreamBroker(client *redis.Client, maxLen int64, owned bool, logger zerolog.Logger) *RedisStreamBroker {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisStreamBroker{client: client, maxLen: maxLen, owned: owned, logger: logger}
}

// Stream entry fields.
const (
	streamFieldID      = "id"
	streamFieldType    = "type"
	streamFieldSubject = "subject"
	streamFieldPayload = "payload"
)

func (b *RedisStreamBroker) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: []any{
			streamFieldID, ev.ID,
			streamFieldType, ev.Type,
			streamFieldSubject, ev.Subject,
			streamFieldPayload, payload,
		},
	}).Result()
	if err != nil {
		metrics.IncBrokerDrop(topic, "redis_error")
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	b.logger.Debug().
		Str(xglog.FieldTopic, topic).
		Str(xglog.FieldEventID, ev.ID).
		Str(xglog.FieldSessionID, ev.Subject).
		Msg("event appended to stream")
	return nil
}

func (b *RedisStreamBroker) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

var (
	_ Publisher = (*MemoryBroker)(nil)
	_ Publisher = (*RedisStreamBroker)(nil)
)
