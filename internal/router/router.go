// Package router turns the raw event streams of every agent into
// authoritative per-agent state and fans the resulting changes out to
// subscribers.
//
// Each agent has its own lock: sequencing, state application and
// publication of one agent's events are serialized, while different agents
// proceed in parallel. The agent map is guarded separately and is only held
// long enough to find or create an entry.
package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/impromptu/internal/agentstate"
	"github.com/Iron-Ham/impromptu/internal/event"
	"github.com/Iron-Ham/impromptu/internal/knowledge"
	"github.com/Iron-Ham/impromptu/internal/logging"
)

// Delta is one change to one agent's state.
//
// Deltas are shared by every subscriber that receives them and must be
// treated as read-only.
type Delta struct {
	AgentID string
	// Version increases with every delta the router publishes. Within one
	// agent it is strictly increasing.
	Version uint64
	// State is the agent's state after the change.
	State agentstate.State
	// Previous is the status before the change.
	Previous agentstate.Status
	// Event is the applied event, nil for registration, error marking and removal.
	Event         *event.AgentEvent
	StatusChanged bool
	// Removed is set on the final delta for an evicted agent.
	Removed bool
}

type entry struct {
	mu    sync.Mutex
	state *agentstate.State
	seq   uint64
	// version of the last delta published for this entry.
	version uint64
	removed bool
}

// Router is safe for concurrent use. It implements listener.Sink.
type Router struct {
	mu     sync.RWMutex
	agents map[string]*entry

	subsMu sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool

	nextSubID atomic.Uint64
	version   atomic.Uint64

	historySize int
	now         func() time.Time
	logger      *logging.Logger

	knowledge        knowledge.Index
	knowledgeTimeout time.Duration
	sinks            sync.WaitGroup

	store   StateStore
	persist *persister
}

// Option configures a Router.
type Option func(*Router)

// WithHistorySize sets how many events each agent's history keeps.
func WithHistorySize(n int) Option {
	return func(r *Router) { r.historySize = n }
}

// WithLogger sets the router's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l.WithComponent("router")
		}
	}
}

// WithClock overrides the time source used for registration and error marking.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithKnowledge records transcript pointers and notifications into idx.
// Each write is bounded by timeout and runs off the ingestion path.
func WithKnowledge(idx knowledge.Index, timeout time.Duration) Option {
	return func(r *Router) {
		r.knowledge = idx
		r.knowledgeTimeout = timeout
	}
}

// New creates a Router.
func New(opts ...Option) *Router {
	r := &Router{
		agents:      make(map[string]*entry),
		subs:        make(map[uint64]*Subscription),
		historySize: agentstate.DefaultHistorySize,
		now:         time.Now,
		logger:      logging.NopLogger().WithComponent("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.knowledge != nil {
		r.startKnowledgeSink()
	}
	if r.store != nil {
		r.persist = newPersister(r.store, r.logger)
	}
	return r
}

// Ingest decodes raw and applies it to its agent's state. It never fails:
// undecodable payloads become Unknown events.
func (r *Router) Ingest(raw event.RawEvent) {
	ev, err := event.Decode(raw)
	if err != nil {
		r.logger.Debug("payload decoded as unknown",
			logging.KeyAgent, raw.AgentID,
			"bytes", len(raw.Payload),
			"truncated", raw.Truncated,
			"reason", err.Error())
	}

	e := r.entryFor(raw.AgentID)
	if e == nil {
		r.logger.Debug("event dropped after close", logging.KeyAgent, raw.AgentID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		r.logger.Debug("event dropped for evicted agent", logging.KeyAgent, raw.AgentID)
		return
	}

	e.seq++
	ev.Seq = e.seq
	t := e.state.Apply(ev)
	if !t.Appended {
		return
	}

	applied := ev.Clone()
	r.publishLocked(e, Delta{
		AgentID:       raw.AgentID,
		Previous:      t.From,
		Event:         &applied,
		StatusChanged: t.Changed,
	})

	if t.Changed {
		r.logger.Debug("status changed",
			logging.KeyAgent, raw.AgentID,
			"from", t.From.String(),
			"to", t.To.String(),
			"kind", ev.Kind.String(),
			"seq", ev.Seq)
	}
}

// Track starts tracking agentID. The state is seeded from the state store
// when it holds a snapshot of the agent, and is Idle otherwise. Tracking an
// agent that already has state is a no-op.
func (r *Router) Track(agentID string) {
	r.mu.RLock()
	_, tracked := r.agents[agentID]
	r.mu.RUnlock()
	if tracked {
		return
	}
	snap, restored := r.loadSnapshot(agentID)

	r.mu.Lock()
	if r.agents == nil {
		r.mu.Unlock()
		return
	}
	if _, ok := r.agents[agentID]; ok {
		r.mu.Unlock()
		return
	}
	e := r.newEntry(agentID)
	if restored {
		e.state = agentstate.Restore(snap, r.historySize, r.now())
	}
	r.agents[agentID] = e
	// Lock the entry before releasing the map so the registration delta
	// precedes any event for this agent.
	e.mu.Lock()
	r.mu.Unlock()
	defer e.mu.Unlock()

	r.publishLocked(e, Delta{AgentID: agentID, Previous: e.state.Status})
}

// MarkError moves agentID to Error without recording an event, creating the
// state if needed. Used for agents whose channel could not be served.
func (r *Router) MarkError(agentID string) {
	e := r.entryFor(agentID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	t := e.state.MarkError(r.now())
	if !t.Changed {
		return
	}
	r.publishLocked(e, Delta{AgentID: agentID, Previous: t.From, StatusChanged: true})
}

// Evict drops agentID's state and publishes a final Removed delta. It
// reports whether the agent was tracked.
func (r *Router) Evict(agentID string) bool {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.removed = true
	r.publishLocked(e, Delta{AgentID: agentID, Previous: e.state.Status, Removed: true})
	e.mu.Unlock()

	// A later Track of the same id must not find the old snapshot.
	if r.persist != nil {
		r.persist.flush()
	}
	return true
}

// Get returns a copy of agentID's state.
func (r *Router) Get(agentID string) (agentstate.State, bool) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return agentstate.State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return agentstate.State{}, false
	}
	return e.state.Clone(), true
}

// ListAgentStates returns a deep copy of every tracked agent's state.
func (r *Router) ListAgentStates() map[string]agentstate.State {
	states, _ := r.snapshot()
	return states
}

// Close detaches every subscriber, closing their streams without draining
// queued deltas, and stops the knowledge sink. Pending state writes are
// stored before it returns. Later events are dropped.
func (r *Router) Close() {
	r.subsMu.Lock()
	if r.closed {
		r.subsMu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = make(map[uint64]*Subscription)
	r.subsMu.Unlock()

	r.mu.Lock()
	r.agents = nil
	r.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	r.sinks.Wait()
	if r.persist != nil {
		r.persist.close()
	}
}

func (r *Router) newEntry(agentID string) *entry {
	return &entry{state: agentstate.New(agentID, r.historySize, r.now())}
}

// entryFor returns agentID's entry, creating it on first use. It returns
// nil once the router is closed.
func (r *Router) entryFor(agentID string) *entry {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	closed := r.agents == nil
	r.mu.RUnlock()
	if ok {
		return e
	}
	if closed {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents == nil {
		return nil
	}
	if e, ok := r.agents[agentID]; ok {
		return e
	}
	e = r.newEntry(agentID)
	r.agents[agentID] = e
	return e
}

// snapshot copies every state along with the version it reflects.
func (r *Router) snapshot() (map[string]agentstate.State, map[string]uint64) {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.agents))
	for id, e := range r.agents {
		entries[id] = e
	}
	r.mu.RUnlock()

	states := make(map[string]agentstate.State, len(entries))
	versions := make(map[string]uint64, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		if !e.removed {
			states[id] = e.state.Clone()
			versions[id] = e.version
		}
		e.mu.Unlock()
	}
	return states, versions
}

// publishLocked stamps d with the next version and the entry's current
// state, then queues it for every subscriber. e.mu must be held.
func (r *Router) publishLocked(e *entry, d Delta) {
	e.version = r.version.Add(1)
	d.Version = e.version
	d.State = e.state.Clone()

	if r.persist != nil {
		if d.Removed {
			r.persist.note(d.AgentID, nil)
		} else {
			snap := e.state.Snapshot()
			r.persist.note(d.AgentID, &snap)
		}
	}

	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, s := range r.subs {
		s.enqueue(d)
	}
}
