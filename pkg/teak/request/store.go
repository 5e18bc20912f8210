package request

import (
	"errors"
	"sort"
	"sync"
)

// Sentinel errors for store operations.
var (
	// ErrStoreClosed is returned when using a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrNotFound is returned when a request id does not exist.
	ErrNotFound = errors.New("request not found")
)

// Store is the durable cache backing the queue. Implementations must allow
// concurrent Put from many callers while one worker scans and removes.
type Store interface {
	// Put persists a request, replacing any entry with the same id.
	Put(req QueuedRequest) error

	// Remove deletes an acknowledged request. Removing an unknown id
	// returns ErrNotFound.
	Remove(id string) error

	// ListPending returns every persisted request ordered by creation
	// time, then id.
	ListPending() ([]QueuedRequest, error)

	// Close releases the store's resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and opt-out-of-durability
// callers. Contents do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]QueuedRequest
	closed   bool
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]QueuedRequest)}
}

// Put implements Store.
func (s *MemoryStore) Put(req QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.requests[req.ID] = req
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.requests[id]; !ok {
		return ErrNotFound
	}
	delete(s.requests, id)
	return nil
}

// ListPending implements Store.
func (s *MemoryStore) ListPending() ([]QueuedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]QueuedRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
