package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans out one Run Task's events to in-process observers — logging,
	// metrics, anything that wants to see a run's events as they happen
	// rather than polling the Supervisor's buffer. Safe for concurrent
	// Publish/Register/Close.
	Bus interface {
		// Publish delivers event to every registered subscriber, stopping
		// at the first subscriber error. Delivery order is not defined and
		// does not follow registration order.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that unregisters
		// it on Close. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber receives every event published on a Bus it is registered
	// with, until its Subscription is closed.
	Subscriber interface {
		// HandleEvent processes one event. Returning an error stops delivery
		// to the remaining subscribers for this Publish call and propagates
		// to the publisher, so only a subscriber whose failure should halt
		// the run (not one that merely wants to log and move on) should do
		// this.
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription represents an active registration. Close is idempotent
	// and safe to call more than once.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// NewBus returns a ready-to-use in-memory Bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers event to a snapshot of the currently registered
// subscribers, synchronously, in the caller's goroutine. Registering or
// closing a subscription concurrently with Publish never affects the
// delivery already in progress.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub to the bus. It receives every event published from
// this point on until its Subscription is closed.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
