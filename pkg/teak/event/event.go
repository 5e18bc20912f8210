// Package event provides the process-wide publish/subscribe channel that
// decouples producers (lifecycle hooks, identity providers, configuration
// fetchers) from consumers (the session machine, deep link router, and
// request queue).
//
// Delivery is synchronous and ordered: Publish invokes every listener that
// was registered at the time of the call, on the calling goroutine, in
// registration order. A listener that panics is logged and skipped; the
// remaining listeners still run. Subscriptions changed during delivery take
// effect on the next Publish, not the in-flight one.
package event

// Event is the interface implemented by everything that travels on the Bus.
// Concrete event types live next to the component that produces them.
type Event interface {
	// Type returns a stable dotted identifier, e.g. "lifecycle.foreground".
	Type() string
}

// Listener receives published events.
type Listener interface {
	OnEvent(e Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(e Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// LifecycleState describes a foreground/background transition.
type LifecycleState int

const (
	// Foreground indicates the host application became visible.
	Foreground LifecycleState = iota

	// Background indicates the host application was sent to the background.
	Background
)

// String returns the lifecycle state name.
func (s LifecycleState) String() string {
	if s == Foreground {
		return "foreground"
	}
	return "background"
}

// LaunchData carries the context an app was (re)opened with.
type LaunchData struct {
	// URI is the deep link the launch carried, if any.
	URI string

	// NotificationID is the push notification identifier the launch
	// carried, if any.
	NotificationID string

	// Processed marks a launch context that has already been handled,
	// so resuming with it must not re-run attribution.
	Processed bool
}

// LifecycleEvent reports a foreground/background transition of the host app.
type LifecycleEvent struct {
	State  LifecycleState
	Launch LaunchData
}

// Event type identifiers for the core events.
const (
	TypeLifecycleForeground = "lifecycle.foreground"
	TypeLifecycleBackground = "lifecycle.background"
	TypeUserID              = "identity.user_id"
	TypeAdvertisingInfo     = "device.advertising_info"
	TypePushRegistration    = "device.push_registration"
	TypePushReset           = "device.push_reset"
)

// Type implements Event.
func (e LifecycleEvent) Type() string {
	if e.State == Foreground {
		return TypeLifecycleForeground
	}
	return TypeLifecycleBackground
}

// UserIDEvent announces the (possibly changed) stable user identifier.
type UserIDEvent struct {
	UserID string
}

// Type implements Event.
func (UserIDEvent) Type() string { return TypeUserID }

// AdvertisingInfoEvent carries the asynchronously resolved advertising
// identifier. Posted by the platform identity provider; the engine only
// consumes it.
type AdvertisingInfoEvent struct {
	ID            string
	LimitTracking bool
}

// Type implements Event.
func (AdvertisingInfoEvent) Type() string { return TypeAdvertisingInfo }

// PushRegistrationEvent carries the asynchronously acquired push token.
type PushRegistrationEvent struct {
	Token string
}

// Type implements Event.
func (PushRegistrationEvent) Type() string { return TypePushRegistration }

// PushResetEvent asks the platform push provider to discard its token and
// re-register. Published when the backend instructs a reset during
// identification.
type PushResetEvent struct{}

// Type implements Event.
func (PushResetEvent) Type() string { return TypePushReset }
