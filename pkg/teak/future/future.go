// Package future provides a minimal complete-once promise.
//
// The engine resolves several values asynchronously and on no particular
// schedule: the advertising identifier, the push token, and launch
// attribution. Consumers wait on these with an explicit timeout and treat
// a miss as "value absent" rather than an error, so nothing in the engine
// ever blocks indefinitely.
package future

import (
	"context"
	"sync"
	"time"
)

// Value is a write-once container that readers can wait on.
// The zero value is not usable; create with New.
type Value[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	set   bool
}

// New creates an unresolved Value.
func New[T any]() *Value[T] {
	return &Value[T]{done: make(chan struct{})}
}

// Resolved creates a Value that is already completed with v.
func Resolved[T any](v T) *Value[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Complete resolves the value. Only the first call has any effect;
// subsequent calls are ignored.
func (f *Value[T]) Complete(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.value = v
	f.set = true
	close(f.done)
}

// Done reports whether the value has been resolved.
func (f *Value[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the value until the context is done.
// Returns the value and true on resolution, or the zero value and false
// if the context expired first.
func (f *Value[T]) Get(ctx context.Context) (T, bool) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// GetTimeout waits for the value for at most d.
func (f *Value[T]) GetTimeout(d time.Duration) (T, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Get(ctx)
}
