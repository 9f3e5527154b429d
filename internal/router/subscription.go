package router

import (
	"sync"

	"github.com/Iron-Ham/impromptu/internal/agentstate"
)

// Subscription is one consumer of router deltas. Deltas are queued without
// bound and delivered in publication order on Updates, so a slow consumer
// never blocks ingestion or other subscribers.
type Subscription struct {
	id       uint64
	router   *Router
	snapshot map[string]agentstate.State

	mu     sync.Mutex
	queue  []Delta
	notify chan struct{}

	out       chan Delta
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe registers a new subscriber. The returned snapshot and the
// deltas that follow it never overlap: a change reflected in the snapshot
// is not delivered again.
func (r *Router) Subscribe() *Subscription {
	s := &Subscription{
		id:     r.nextSubID.Add(1),
		router: r,
		notify: make(chan struct{}, 1),
		out:    make(chan Delta),
		done:   make(chan struct{}),
	}

	r.subsMu.Lock()
	if r.closed {
		r.subsMu.Unlock()
		s.snapshot = map[string]agentstate.State{}
		s.closeOnce.Do(func() { close(s.done) })
		close(s.out)
		return s
	}
	r.subs[s.id] = s
	r.subsMu.Unlock()

	// Registered before the snapshot, so nothing published in between is
	// missed; deltas the snapshot already covers are filtered by version.
	states, versions := r.snapshot()
	s.snapshot = states
	go s.run(versions)
	return s
}

// Snapshot returns the agent states at subscription time.
func (s *Subscription) Snapshot() map[string]agentstate.State {
	return s.snapshot
}

// Updates returns the delta stream. It is closed when the subscription or
// the router is closed; queued deltas are discarded at that point.
func (s *Subscription) Updates() <-chan Delta {
	return s.out
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.router.subsMu.Lock()
	delete(s.router.subs, s.id)
	s.router.subsMu.Unlock()
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

func (s *Subscription) enqueue(d Delta) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run delivers queued deltas until the subscription is closed. known maps
// each agent the consumer has seen to the version it last saw.
func (s *Subscription) run(known map[string]uint64) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		for _, d := range batch {
			if !accept(known, d) {
				continue
			}
			select {
			case s.out <- d:
			case <-s.done:
				return
			}
		}
	}
}

// accept reports whether d is news to a consumer whose view is known.
func accept(known map[string]uint64, d Delta) bool {
	seen, ok := known[d.AgentID]
	if ok && d.Version <= seen {
		return false
	}
	if d.Removed {
		if !ok {
			return false
		}
		delete(known, d.AgentID)
		return true
	}
	known[d.AgentID] = d.Version
	return true
}
