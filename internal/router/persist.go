package router

import (
	"sync"

	"github.com/Iron-Ham/impromptu/internal/agentstate"
	"github.com/Iron-Ham/impromptu/internal/logging"
)

// StateStore persists agent snapshots across hub restarts.
// agentstate.FileStore implements it.
type StateStore interface {
	Load(agentID string) (agentstate.Snapshot, bool, error)
	Save(snap agentstate.Snapshot) error
	Delete(agentID string) error
}

// WithStateStore persists each agent's latest state to store and seeds
// newly tracked agents from it. Writes are coalesced per agent and run off
// the ingestion path.
func WithStateStore(store StateStore) Option {
	return func(r *Router) { r.store = store }
}

// persister is a write-behind queue holding the newest pending write per
// agent. A nil snapshot is a delete.
type persister struct {
	store  StateStore
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*agentstate.Snapshot
	stopped bool

	// writeMu is held while a batch is written, so flush observes every
	// write that was taken off the queue before it.
	writeMu sync.Mutex
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func newPersister(store StateStore, logger *logging.Logger) *persister {
	p := &persister{
		store:   store,
		logger:  logger,
		pending: make(map[string]*agentstate.Snapshot),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// note queues the agent's latest state, or its deletion. It never blocks
// on the store.
func (p *persister) note(agentID string, snap *agentstate.Snapshot) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.pending[agentID] = snap
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.notify:
			p.flush()
		}
	}
}

// flush writes everything queued so far and returns once it is stored.
func (p *persister) flush() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]*agentstate.Snapshot)
	p.mu.Unlock()

	for id, snap := range batch {
		var err error
		if snap == nil {
			err = p.store.Delete(id)
		} else {
			err = p.store.Save(*snap)
		}
		if err != nil {
			p.logger.Warn("agent state write failed",
				logging.KeyAgent, id,
				"delete", snap == nil,
				"error", err.Error())
		}
	}
}

// close stops the background writer and stores what is still queued.
// Later notes are dropped.
func (p *persister) close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	p.flush()
}

// loadSnapshot returns agentID's stored state, if any. A failed read is
// logged and treated as no snapshot.
func (r *Router) loadSnapshot(agentID string) (agentstate.Snapshot, bool) {
	if r.persist == nil {
		return agentstate.Snapshot{}, false
	}
	snap, ok, err := r.persist.store.Load(agentID)
	if err != nil {
		r.logger.Warn("agent state unreadable",
			logging.KeyAgent, agentID,
			"error", err.Error())
		return agentstate.Snapshot{}, false
	}
	return snap, ok
}
