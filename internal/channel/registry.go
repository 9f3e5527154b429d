// Package channel tracks the unix socket endpoint each agent delivers
// hook events to, and reconciles socket files left in the channel
// directory by earlier hub processes.
package channel

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/errors"
)

// Registry maps agent IDs to channel endpoints. All state lives in one map
// under one mutex, so an agent can never have two Listening endpoints.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	endpoints map[string]Endpoint
	now       func() time.Time
}

// NewRegistry creates a Registry for sockets under dir.
func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{
		dir:       dir,
		endpoints: make(map[string]Endpoint),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the channel directory.
func (r *Registry) Dir() string {
	return r.dir
}

// PathFor returns the socket path an agent's endpoint uses.
func (r *Registry) PathFor(agentID string) string {
	return filepath.Join(r.dir, agentID+SocketSuffix)
}

// Register returns the endpoint for agentID, allocating a Pending one if
// none exists. A Listening endpoint is returned unchanged; a Pending or
// Stale one is reallocated as Pending.
func (r *Registry) Register(agentID string) (Endpoint, error) {
	if err := config.ValidateAgentID(r.dir, agentID); err != nil {
		return Endpoint{}, errors.NewChannelError(err.Error(), errors.ErrInvalidAgentID).WithAgentID(agentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[agentID]; ok && ep.State == StateListening {
		return ep, nil
	}
	ep := Endpoint{
		AgentID:   agentID,
		Path:      r.PathFor(agentID),
		CreatedAt: r.now(),
		State:     StatePending,
	}
	r.endpoints[agentID] = ep
	return ep, nil
}

// MarkListening records that a listener is serving the endpoint.
func (r *Registry) MarkListening(agentID string) error {
	return r.transition(agentID, StateListening)
}

// MarkStale records that the endpoint's socket has no live listener.
func (r *Registry) MarkStale(agentID string) error {
	return r.transition(agentID, StateStale)
}

func (r *Registry) transition(agentID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[agentID]
	if !ok {
		return r.notFound(agentID)
	}
	ep.State = to
	r.endpoints[agentID] = ep
	return nil
}

// Remove drops the endpoint and returns it marked Closed.
func (r *Registry) Remove(agentID string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[agentID]
	if !ok {
		return Endpoint{}, r.notFound(agentID)
	}
	delete(r.endpoints, agentID)
	ep.State = StateClosed
	return ep, nil
}

func (r *Registry) notFound(agentID string) error {
	return errors.NewChannelError("no endpoint registered", errors.ErrChannelNotFound).
		WithAgentID(agentID).WithSeverity(errors.SeverityWarning)
}

// Get returns the endpoint for agentID.
func (r *Registry) Get(agentID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[agentID]
	return ep, ok
}

// List returns all endpoints ordered by agent ID.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Recover creates the channel directory if needed and records every
// leftover socket file in it as Stale. Files that are not sockets, or whose
// names are not valid agent IDs, are ignored. Endpoints already known to
// the registry keep their state. A failure here is fatal to the hub.
func (r *Registry) Recover() ([]Endpoint, error) {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return nil, errors.NewHubError("cannot create channel directory", err).WithDir(r.dir)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.NewHubError("cannot scan channel directory", err).WithDir(r.dir)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var recovered []Endpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type()&os.ModeSocket == 0 || !strings.HasSuffix(name, SocketSuffix) {
			continue
		}
		agentID := strings.TrimSuffix(name, SocketSuffix)
		if config.ValidateAgentID(r.dir, agentID) != nil {
			continue
		}
		if _, known := r.endpoints[agentID]; known {
			continue
		}

		createdAt := r.now()
		if info, err := entry.Info(); err == nil {
			createdAt = info.ModTime()
		}
		ep := Endpoint{
			AgentID:   agentID,
			Path:      filepath.Join(r.dir, name),
			CreatedAt: createdAt,
			State:     StateStale,
		}
		r.endpoints[agentID] = ep
		recovered = append(recovered, ep)
	}

	sort.Slice(recovered, func(i, j int) bool { return recovered[i].AgentID < recovered[j].AgentID })
	return recovered, nil
}
