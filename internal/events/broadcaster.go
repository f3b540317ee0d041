// ABOUTME: In-memory fan-out broadcaster for registry lifecycle events
// ABOUTME: Bounded per-subscriber buffers; producers never block on slow consumers

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBufferSize is the channel buffer for each subscriber.
const DefaultBufferSize = 64

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered event to make room for the new one.
	DropOldest OverflowPolicy = iota
	// Disconnect closes the subscription of a consumer that fell behind.
	Disconnect
)

// Config configures a Broadcaster.
type Config struct {
	BufferSize int
	Policy     OverflowPolicy
	Logger     *slog.Logger
}

type subscriber[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// Subscription is a live registration returned by Subscribe.
type Subscription[T any] struct {
	ID string
	C  <-chan T

	sub *subscriber[T]
}

// Dropped reports how many events were discarded for this subscriber.
func (s *Subscription[T]) Dropped() uint64 {
	return s.sub.dropped.Load()
}

// Broadcaster provides in-memory pub/sub. Every subscriber receives every
// published event unless its buffer overflows.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber[T]
	bufferSize  int
	policy      OverflowPolicy
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. A zero Config yields drop-oldest with the default buffer.
func New[T any](cfg Config) *Broadcaster[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]*subscriber[T]),
		bufferSize:  size,
		policy:      cfg.Policy,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. The subscription is removed and its
// channel closed when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) *Subscription[T] {
	subID := uuid.New().String()
	sub := &subscriber[T]{ch: make(chan T, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		close(sub.ch)
		b.mu.Unlock()
		return &Subscription[T]{ID: subID, C: sub.ch, sub: sub}
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return &Subscription[T]{ID: subID, C: sub.ch, sub: sub}
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(event T) {
	var slow []string

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	for id, sub := range b.subscribers {
		if b.offer(sub, event) {
			continue
		}
		sub.dropped.Add(1)
		if b.policy == Disconnect {
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.logger.Warn("disconnecting slow subscriber", "sub_id", id)
		b.Unsubscribe(id)
	}
}

// offer tries to enqueue event, evicting the oldest buffered event under DropOldest.
// Returns false when an event was lost.
func (b *Broadcaster[T]) offer(sub *subscriber[T], event T) bool {
	select {
	case sub.ch <- event:
		return true
	default:
	}
	if b.policy != DropOldest {
		return false
	}

	lost := false
	select {
	case <-sub.ch:
		lost = true
	default:
	}
	select {
	case sub.ch <- event:
		return !lost
	default:
		// another publisher refilled the slot
		return false
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID, "dropped", sub.dropped.Load())
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
