package events

import (
	"context"
	"sync"
)

const defaultBuffer = 64

// LocalBus fans events out to in-process subscribers.
// Each subscription owns a bounded queue; when it is full the event is dropped
// for that subscriber and OnDrop is called.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	onDrop func(Event)
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *LocalBus
	once sync.Once
}

// LocalOption configures a LocalBus.
type LocalOption func(*LocalBus)

// WithDropHook is called (synchronously, from Publish) for every dropped delivery.
func WithDropHook(fn func(Event)) LocalOption {
	return func(b *LocalBus) { b.onDrop = fn }
}

// NewLocalBus constructs an empty bus.
func NewLocalBus(opts ...LocalOption) *LocalBus {
	b := &LocalBus{subs: make(map[*Subscription]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a subscriber with a queue of buffer events (default 64).
func (b *LocalBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Publish delivers ev to every subscriber without blocking. It never fails.
func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop(ev)
			}
		}
	}
	return nil
}

// Len reports the number of live subscriptions.
func (b *LocalBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
