package request

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists queued requests to SQLite, giving the queue its
// crash-safety: a payload written here survives process death.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the durable request cache.
// The path should be a file path (e.g., "./teak-requests.db") or ":memory:"
// for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_requests (
			id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			batch_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			do_not_track INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pending_requests_order
		ON pending_requests(created_at, id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(req QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO pending_requests (id, endpoint, batch_key, payload, created_at, do_not_track, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			attempts = excluded.attempts
	`, req.ID, req.Endpoint, req.BatchKey, string(payload),
		req.CreatedAt.UnixNano(), boolToInt(req.DoNotTrack), req.Attempts)

	if err != nil {
		return fmt.Errorf("put request: %w", err)
	}
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM pending_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending implements Store.
func (s *SQLiteStore) ListPending() ([]QueuedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, endpoint, batch_key, payload, created_at, do_not_track, attempts
		FROM pending_requests
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []QueuedRequest
	for rows.Next() {
		var req QueuedRequest
		var payload string
		var createdAt int64
		var doNotTrack int
		if err := rows.Scan(&req.ID, &req.Endpoint, &req.BatchKey, &payload,
			&createdAt, &doNotTrack, &req.Attempts); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		req.CreatedAt = time.Unix(0, createdAt).UTC()
		req.DoNotTrack = doNotTrack != 0
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
