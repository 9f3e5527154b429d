package channel

import "time"

// State is the lifecycle state of a channel endpoint.
type State int

const (
	// StatePending is allocated but not yet accepting connections.
	StatePending State = iota
	// StateListening is bound and served by a live listener.
	StateListening
	// StateStale is a socket file with no listener behind it, typically
	// left by a previous hub process.
	StateStale
	// StateClosed is an endpoint that has been removed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateListening:
		return "Listening"
	case StateStale:
		return "Stale"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Endpoint is the registry's record of one agent's socket.
type Endpoint struct {
	AgentID   string    `json:"agent_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
}

// SocketSuffix is appended to an agent ID to name its socket file.
const SocketSuffix = ".sock"

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}
