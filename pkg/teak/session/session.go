package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCarrot/teak-go/pkg/teak/future"
)

// SameSessionWindow is how long a backgrounded session remains resumable.
// A foreground entry more than this long after the session began expiring
// starts a new session.
const SameSessionWindow = 120 * time.Second

// Session represents one visit to the host application.
//
// All fields are guarded by the owning Manager's lock; a Session is never
// shared outside the Manager except as an immutable snapshot.
type Session struct {
	id        string
	startTime time.Time

	state         State
	previousState State

	userID      string
	countryCode string

	// attribution resolves to the launch-cause map: push notification id,
	// deep link fields, or an empty map for an organic launch. Carried
	// forward when an identity change supersedes the session.
	attribution *future.Value[map[string]string]

	// endTime is set on entering StateExpiring and cleared on resume.
	endTime time.Time

	// identified marks that the identification call already succeeded for
	// this session, so any further identification is a duplicate and must
	// carry the do-not-track marker.
	identified bool

	// stopHeartbeat terminates the heartbeat goroutine. Non-nil only while
	// a heartbeat is running.
	stopHeartbeat chan struct{}

	// span covers the session's lifetime; spanCtx parents per-call child
	// spans. Ended when the session expires or is invalidated.
	span    trace.Span
	spanCtx context.Context
}

// newSession creates a session in StateAllocated. If attribution is nil a
// fresh unresolved future is allocated.
func newSession(now time.Time, attribution *future.Value[map[string]string]) *Session {
	if attribution == nil {
		attribution = future.New[map[string]string]()
	}
	return &Session{
		id:            newSessionID(),
		startTime:     now,
		state:         StateAllocated,
		previousState: StateAllocated,
		attribution:   attribution,
	}
}

// newSessionID returns a random opaque session identifier.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// UserID returns the session's user identifier, or "" if not yet known.
func (s *Session) UserID() string { return s.userID }

// Attribution returns the handle resolving to the session's launch cause.
func (s *Session) Attribution() *future.Value[map[string]string] { return s.attribution }

// hasIdentifiedUser reports whether the session currently satisfies, or
// previously satisfied, "user identified". A session that is Expiring but
// was UserIdentified immediately before counts.
func (s *Session) hasIdentifiedUser(includeWas bool) bool {
	if s.state == StateUserIdentified {
		return true
	}
	return includeWas && s.state == StateExpiring && s.previousState == StateUserIdentified
}
