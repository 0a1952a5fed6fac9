// Package bus implements a process-local, named-topic pub/sub fabric
// modeled on the broadcast-under-mutex pattern the rest of this
// codebase uses for fanning events out to many listeners.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowwatch/flowwatch/internal/ports"
	"github.com/flowwatch/flowwatch/internal/telemetry"
)

// StopTopic is the distinguished message value broadcast to every
// subscriber of a topic to instruct it to finalize and exit.
const StopTopic = "stop_process"

// subscriberBufferSize bounds each subscriber's queue. Overflow is
// dropped, not blocked on, so a slow subscriber can never stall a
// publisher.
const subscriberBufferSize = 256

// EventBus is the concrete, in-memory implementation of ports.EventBus.
type EventBus struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string][]*subscription

	dropped atomic.Int64
}

// New builds an empty EventBus.
func New(log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{
		log:    log,
		topics: make(map[string][]*subscription),
	}
}

// DroppedCount reports how many messages have been discarded because
// some subscriber's buffer was full.
func (b *EventBus) DroppedCount() int64 {
	return b.dropped.Load()
}

// Publish delivers payload to every current subscriber of topic
// without blocking on any of them.
func (b *EventBus) Publish(topic, payload string) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.topics[topic]...)
	b.mu.RUnlock()

	telemetry.BusMessagesPublished.WithLabelValues(topic).Inc()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			b.dropped.Add(1)
			telemetry.BusMessagesDropped.WithLabelValues(topic).Inc()
			b.log.Warn("eventbus: subscriber buffer full, dropping message", "topic", topic)
		}
	}
}

// Subscribe registers a new subscription on topic and returns its
// handle.
func (b *EventBus) Subscribe(topic string) ports.Subscription {
	s := &subscription{
		topic: topic,
		ch:    make(chan string, subscriberBufferSize),
		bus:   b,
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], s)
	b.mu.Unlock()

	return s
}

// StopAll broadcasts StopTopic on every topic that currently has
// subscribers.
func (b *EventBus) StopAll() {
	b.mu.RLock()
	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	for _, t := range topics {
		b.Publish(t, StopTopic)
	}
}

func (b *EventBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.topic]
	for i, existing := range subs {
		if existing == s {
			b.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type subscription struct {
	topic string
	ch    chan string
	bus   *EventBus
}

func (s *subscription) Topic() string { return s.topic }

// Next blocks for up to timeout waiting for the next message on this
// subscription. timeout == 0 blocks indefinitely (bounded only by
// ctx). The second return value is false on timeout or context
// cancellation.
func (s *subscription) Next(ctx context.Context, timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		select {
		case msg := <-s.ch:
			return msg, true
		case <-ctx.Done():
			return "", false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.ch:
		return msg, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (s *subscription) Close() {
	s.bus.remove(s)
}
