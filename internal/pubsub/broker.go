package pubsub

import (
	"context"
	"sync"
	"time"
)

const (
	defaultBufferSize  = 64
	defaultReplayDepth = 16
)

// Broker fans events out to live subscribers. It backs the log tail
// stream: a new subscriber first receives a bounded replay of the most
// recent events, then the live feed, so a client attaching mid-job sees
// how the job got where it is.
type Broker[T any] struct {
	mu   sync.Mutex
	subs map[chan Event[T]]struct{}

	// recent is a ring of the last replayDepth published events.
	recent []Event[T]
	next   int
	filled bool

	closed      bool
	bufferSize  int
	replayDepth int
}

// NewBroker creates a broker with the default per-subscriber buffer and
// replay depth.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithReplay[T](defaultBufferSize, defaultReplayDepth)
}

// NewBrokerWithReplay creates a broker with a custom per-subscriber buffer
// size and replay depth. replayDepth 0 disables replay; bufferSize is
// raised to replayDepth when smaller, so the replay always fits.
func NewBrokerWithReplay[T any](bufferSize, replayDepth int) *Broker[T] {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	if replayDepth < 0 {
		replayDepth = 0
	}
	if bufferSize < replayDepth {
		bufferSize = replayDepth
	}
	return &Broker[T]{
		subs:        make(map[chan Event[T]]struct{}),
		recent:      make([]Event[T], replayDepth),
		bufferSize:  bufferSize,
		replayDepth: replayDepth,
	}
}

// Subscribe registers a new subscriber. The returned channel first yields
// the replay of recent events, then live ones, and is closed when ctx is
// cancelled or the broker shuts down. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.bufferSize)
	for _, ev := range b.replayLocked() {
		sub <- ev
	}
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish records the event in the replay ring and delivers it to every
// subscriber. Delivery never blocks: a subscriber that stopped draining
// its channel loses events rather than stalling the publisher.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if b.replayDepth > 0 {
		b.recent[b.next] = event
		b.next = (b.next + 1) % b.replayDepth
		if b.next == 0 {
			b.filled = true
		}
	}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// Close shuts the broker down, closing every subscriber channel. Further
// publishes and subscriptions become no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// replayLocked returns the ring contents in publish order.
func (b *Broker[T]) replayLocked() []Event[T] {
	if b.replayDepth == 0 {
		return nil
	}
	if !b.filled {
		return b.recent[:b.next]
	}
	out := make([]Event[T], 0, b.replayDepth)
	out = append(out, b.recent[b.next:]...)
	out = append(out, b.recent[:b.next]...)
	return out
}
