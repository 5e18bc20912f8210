package future

import (
	"context"
	"sync"
	"time"
)

// Latest is a holder for a value that can be replaced after it first
// resolves. Waiters block until the first Set; later Sets swap in the new
// value without re-blocking anyone. Device-level values (push token,
// advertising id) use this: they arrive asynchronously and can be
// re-issued by the platform at any time.
// The zero value is not usable; create with NewLatest.
type Latest[T comparable] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	set   bool
}

// NewLatest creates an unresolved Latest.
func NewLatest[T comparable]() *Latest[T] {
	return &Latest[T]{done: make(chan struct{})}
}

// Set stores v, releasing waiters on the first call. Returns whether the
// stored value changed, so callers can react to replacements.
func (l *Latest[T]) Set(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.value = v
		l.set = true
		close(l.done)
		return true
	}
	if l.value == v {
		return false
	}
	l.value = v
	return true
}

// Done reports whether a value has ever been set.
func (l *Latest[T]) Done() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Get waits for the first value until the context is done, then returns
// whatever value is current.
func (l *Latest[T]) Get(ctx context.Context) (T, bool) {
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.value, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// GetTimeout waits for the first value for at most d.
func (l *Latest[T]) GetTimeout(d time.Duration) (T, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.Get(ctx)
}
