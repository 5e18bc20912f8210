// Package session implements the session state machine at the center of the
// engine. A Session represents one visit to the host application; the
// Manager owns the single current session, reacts to lifecycle, identity,
// and configuration events from the bus, decides when a visit resumes versus
// when a new one begins, and fires the identification call exactly once per
// session per user.
package session

// State is a session's position in its lifecycle.
type State int

const (
	// StateAllocated is the initial state of a freshly constructed session.
	StateAllocated State = iota

	// StateCreated means the session exists and is waiting for remote
	// configuration.
	StateCreated

	// StateConfigured means endpoint policy is available and the session
	// can identify its user as soon as an identifier is known.
	StateConfigured

	// StateIdentifyingUser means an identification call is in flight.
	StateIdentifyingUser

	// StateUserIdentified means the backend acknowledged the user. The
	// heartbeat runs only in this state.
	StateUserIdentified

	// StateExpiring means the app went to the background. The session can
	// still be resumed within the grace window.
	StateExpiring

	// StateExpired is terminal. The session has been superseded or its
	// grace window elapsed.
	StateExpired

	// StateInvalid is the absorbing error state.
	StateInvalid
)

var stateNames = map[State]string{
	StateAllocated:       "Allocated",
	StateCreated:         "Created",
	StateConfigured:      "Configured",
	StateIdentifyingUser: "IdentifyingUser",
	StateUserIdentified:  "UserIdentified",
	StateExpiring:        "Expiring",
	StateExpired:         "Expired",
	StateInvalid:         "Invalid",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// validTransitions lists the legal forward transitions per state. Any state
// may additionally transition to StateInvalid; CanTransitionTo handles that
// without an entry here.
var validTransitions = map[State]map[State]bool{
	StateAllocated: {
		StateCreated: true,
	},
	StateCreated: {
		StateConfigured: true,
		StateExpiring:   true,
	},
	StateConfigured: {
		StateIdentifyingUser: true,
		StateExpiring:        true,
	},
	StateIdentifyingUser: {
		StateUserIdentified: true,
		StateExpiring:       true,
	},
	StateUserIdentified: {
		StateExpiring: true,
	},
	StateExpiring: {
		StateCreated:         true,
		StateConfigured:      true,
		StateIdentifyingUser: true,
		StateUserIdentified:  true,
		StateExpired:         true,
	},
	StateExpired: {},
	StateInvalid: {},
}

// CanTransitionTo reports whether a transition from s to target is legal.
// It is a pure lookup with no side effects. Every state may move to
// StateInvalid; StateExpired and StateInvalid are otherwise terminal.
func (s State) CanTransitionTo(target State) bool {
	if target == StateInvalid {
		return true
	}
	return validTransitions[s][target]
}
