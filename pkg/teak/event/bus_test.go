package event_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/GoCarrot/teak-go/pkg/teak/event"
)

type recorded struct {
	mu    sync.Mutex
	types []string
}

func (r *recorded) OnEvent(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := event.NewBus(discardLogger())

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.SubscribeFunc(func(event.Event) {
			order = append(order, i)
		})
	}

	bus.Publish(event.UserIDEvent{UserID: "u"})

	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("delivery %d went to listener %d", i, got)
		}
	}
}

func TestPublishIsSynchronous(t *testing.T) {
	bus := event.NewBus(discardLogger())

	delivered := false
	bus.SubscribeFunc(func(event.Event) { delivered = true })

	bus.Publish(event.PushRegistrationEvent{Token: "tok"})

	// No sleep: delivery happens on the publishing goroutine.
	if !delivered {
		t.Fatal("expected synchronous delivery")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := event.NewBus(discardLogger())

	count := 0
	sub := bus.SubscribeFunc(func(event.Event) { count++ })
	sub.Unsubscribe()
	sub.Unsubscribe()

	bus.Publish(event.UserIDEvent{UserID: "u"})

	if count != 0 {
		t.Errorf("unsubscribed listener was invoked %d times", count)
	}
}

func TestSubscribeDuringDeliveryAppliesNextPublish(t *testing.T) {
	bus := event.NewBus(discardLogger())

	lateCount := 0
	bus.SubscribeFunc(func(event.Event) {
		bus.SubscribeFunc(func(event.Event) { lateCount++ })
	})

	bus.Publish(event.UserIDEvent{UserID: "a"})
	if lateCount != 0 {
		t.Fatal("listener added during delivery saw the in-flight publish")
	}

	// Two listeners now add one each; the late listener from the first
	// publish sees this one.
	bus.Publish(event.UserIDEvent{UserID: "b"})
	if lateCount != 1 {
		t.Fatalf("late listener invoked %d times, want 1", lateCount)
	}
}

func TestUnsubscribeOtherDuringDelivery(t *testing.T) {
	bus := event.NewBus(discardLogger())

	var secondCalls int
	var second *event.Subscription
	bus.SubscribeFunc(func(event.Event) {
		second.Unsubscribe()
	})
	second = bus.SubscribeFunc(func(event.Event) { secondCalls++ })

	// Removing a later listener mid-publish does not affect the in-flight
	// snapshot, only subsequent publishes.
	bus.Publish(event.UserIDEvent{UserID: "a"})
	if secondCalls != 1 {
		t.Fatalf("in-flight delivery skipped, calls = %d", secondCalls)
	}

	bus.Publish(event.UserIDEvent{UserID: "b"})
	if secondCalls != 1 {
		t.Errorf("unsubscribed listener invoked on subsequent publish")
	}
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	bus := event.NewBus(discardLogger())

	bus.SubscribeFunc(func(event.Event) { panic("listener bug") })

	delivered := false
	bus.SubscribeFunc(func(event.Event) { delivered = true })

	bus.Publish(event.AdvertisingInfoEvent{ID: "ad-id"})

	if !delivered {
		t.Fatal("panic in earlier listener prevented delivery")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := event.NewBus(discardLogger())

	rec := &recorded{}
	bus.Subscribe(rec)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(event.UserIDEvent{UserID: "u"})
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.types) != 10 {
		t.Errorf("expected 10 deliveries, got %d", len(rec.types))
	}
}

func TestLifecycleEventTypes(t *testing.T) {
	fg := event.LifecycleEvent{State: event.Foreground}
	bg := event.LifecycleEvent{State: event.Background}

	if fg.Type() != event.TypeLifecycleForeground {
		t.Errorf("foreground type = %q", fg.Type())
	}
	if bg.Type() != event.TypeLifecycleBackground {
		t.Errorf("background type = %q", bg.Type())
	}
}
