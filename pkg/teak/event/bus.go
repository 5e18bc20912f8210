package event

import (
	"log/slog"
	"sync"
)

// Bus is the in-process event channel.
// The zero value is not usable; create with NewBus.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	logger *slog.Logger
}

// NewBus creates a new event bus. A nil logger disables panic logging.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscription is a handle to an active listener registration.
type Subscription struct {
	bus      *Bus
	listener Listener
	active   bool
}

// Subscribe registers a listener. Listeners are invoked in registration
// order on each Publish. Safe to call from within a listener; the new
// listener sees subsequent publishes only.
func (b *Bus) Subscribe(l Listener) *Subscription {
	sub := &Subscription{bus: b, listener: l, active: true}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Copy-on-write keeps in-flight deliveries iterating their snapshot.
	next := make([]*Subscription, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, sub)
	return sub
}

// SubscribeFunc registers a plain function as a listener.
func (b *Bus) SubscribeFunc(fn func(Event)) *Subscription {
	return b.Subscribe(ListenerFunc(fn))
}

// Unsubscribe removes the registration. Idempotent; safe to call from
// within a listener.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if !s.active {
		return
	}
	s.active = false

	next := make([]*Subscription, 0, len(s.bus.subs)-1)
	for _, sub := range s.bus.subs {
		if sub != s {
			next = append(next, sub)
		}
	}
	s.bus.subs = next
}

// Publish delivers e synchronously to every currently registered listener,
// in registration order, on the calling goroutine. A panicking listener is
// logged and does not prevent delivery to the rest.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event.listener_panic",
					slog.String("event_type", e.Type()),
					slog.Any("panic", r),
				)
			}
		}
	}()

	// A listener unsubscribed mid-delivery is still part of this publish:
	// the snapshot taken at Publish time defines the in-flight set.
	sub.listener.OnEvent(e)
}
