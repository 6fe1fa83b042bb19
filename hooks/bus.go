package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes control-plane events to registered subscribers in a
	// fan-out pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and subscription Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order, and iteration stops at the first subscriber error.
	// Subscribers with non-critical failures should log and return nil so they
	// do not starve later subscribers.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		// The context is forwarded to each subscriber's HandleEvent method.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. Implementations must be
	// thread-safe when registered with a bus that has concurrent publishers.
	Subscriber interface {
		// HandleEvent processes a single event. The context originates from
		// the Publish call and may carry deadlines or cancellation.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration on a Bus. Close removes the
	// subscriber; it is idempotent and thread-safe.
	Subscription interface {
		// Close removes the subscriber from the bus. Events already being
		// delivered when Close is called may still reach the subscriber.
		// Close always returns nil.
		Close() error
	}

	// bus keeps subscribers in registration order so delivery order matches
	// the documented contract.
	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus constructs an in-memory event bus ready for immediate use.
//
//	bus := hooks.NewBus()
//	sub, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("received %s", evt.Type())
//	    return nil
//	}))
//	defer sub.Close()
func NewBus() Bus {
	return &bus{}
}

// HandleEvent invokes the function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publish delivers the event to a snapshot of the current subscribers taken
// under the read lock, so registrations during delivery do not affect the
// in-flight fan-out. Stops at the first subscriber error.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register appends the subscriber to the delivery order.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	})
	return nil
}
