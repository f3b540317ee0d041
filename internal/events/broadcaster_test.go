// ABOUTME: Tests for the generic event broadcaster
// ABOUTME: Covers fan-out, overflow policies, context cleanup, and concurrency

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := New[string](Config{})
	defer b.Close()

	ctx := t.Context()
	s1 := b.Subscribe(ctx)
	s2 := b.Subscribe(ctx)

	b.Publish("evt-1")

	for _, s := range []*Subscription[string]{s1, s2} {
		select {
		case got := <-s.C:
			assert.Equal(t, "evt-1", got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcaster_DropOldestKeepsNewest(t *testing.T) {
	b := New[int](Config{BufferSize: 2})
	defer b.Close()

	sub := b.Subscribe(t.Context())

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	assert.Equal(t, 4, <-sub.C)
	assert.Equal(t, 5, <-sub.C)
	assert.Equal(t, uint64(3), sub.Dropped())
}

func TestBroadcaster_DisconnectClosesSlowSubscriber(t *testing.T) {
	b := New[int](Config{BufferSize: 1, Policy: Disconnect})
	defer b.Close()

	sub := b.Subscribe(t.Context())
	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, <-sub.C)
	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after overflow")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_PublishDoesNotBlockWithoutReaders(t *testing.T) {
	b := New[int](Config{BufferSize: 1})
	defer b.Close()

	_ = b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := New[int](Config{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed after cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := New[int](Config{})
	b.Close()

	sub := b.Subscribe(t.Context())
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New[int](Config{BufferSize: 4})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			sub := b.Subscribe(ctx)
			for j := 0; j < 50; j++ {
				b.Publish(j)
			}
			cancel()
			for range sub.C {
			}
		}()
	}
	wg.Wait()
}
