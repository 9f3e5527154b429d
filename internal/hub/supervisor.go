// Package hub owns the lifecycle of the event hub: the channel directory
// and its lock, one listener per agent, the router that derives agent
// state, and the knowledge index it records into.
//
// A Supervisor is an explicit context object; nothing in the hub is global.
// Per-agent failures are isolated: they are reported in the StartReport,
// logged, and shown as an Error status, but never abort the hub.
package hub

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/impromptu/internal/agentstate"
	"github.com/Iron-Ham/impromptu/internal/channel"
	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/errors"
	"github.com/Iron-Ham/impromptu/internal/knowledge"
	"github.com/Iron-Ham/impromptu/internal/listener"
	"github.com/Iron-Ham/impromptu/internal/logging"
	"github.com/Iron-Ham/impromptu/internal/router"
)

// StartReport summarizes what Start did.
type StartReport struct {
	// Recovered lists channel artifacts found from a previous run.
	Recovered []channel.Endpoint
	// Active lists agents whose channel is now served.
	Active []string
	// Failed maps agents that could not be activated to the reason.
	Failed map[string]error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the hub logger. Components derive child loggers from it.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithKnowledge uses idx instead of opening the configured backend. The
// caller keeps ownership of idx.
func WithKnowledge(idx knowledge.Index) Option {
	return func(s *Supervisor) {
		s.knowledge = idx
		s.ownsKnowledge = false
	}
}

// Supervisor runs the hub.
type Supervisor struct {
	cfg           *config.Config
	logger        *logging.Logger
	registry      *channel.Registry
	router        *router.Router
	knowledge     knowledge.Index
	ownsKnowledge bool

	// opMu serializes Start, AddAgent, RemoveAgent and Shutdown.
	opMu    sync.Mutex
	watcher *channel.Watcher
	lock    *Lock
	started bool
	closed  bool

	// mu guards the maps below, which the watcher reads from its goroutine.
	mu        sync.Mutex
	listeners map[string]*listener.Listener
	removing  map[string]bool
}

// New builds a Supervisor from cfg. Nothing touches the filesystem until
// Start, except opening an sqlite knowledge index.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Supervisor{
		cfg:           cfg,
		logger:        logging.NopLogger(),
		ownsKnowledge: true,
		listeners:     make(map[string]*listener.Listener),
		removing:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.knowledge == nil {
		idx, err := knowledge.Open(cfg.Knowledge, cfg.Hub.StateDir)
		if err != nil {
			return nil, errors.NewHubError("cannot open knowledge index", err)
		}
		s.knowledge = idx
	}

	routerOpts := []router.Option{
		router.WithHistorySize(cfg.Hub.HistorySize),
		router.WithLogger(s.logger),
	}
	if _, none := s.knowledge.(knowledge.Nop); !none {
		routerOpts = append(routerOpts, router.WithKnowledge(s.knowledge, cfg.Hub.KnowledgeTimeout()))
	}
	if cfg.Hub.StateDir != "" {
		store := agentstate.NewFileStore(filepath.Join(cfg.Hub.StateDir, "agents"))
		routerOpts = append(routerOpts, router.WithStateStore(store))
	}
	s.router = router.New(routerOpts...)
	s.registry = channel.NewRegistry(cfg.Hub.ChannelDir)
	return s, nil
}

// NewAgentID returns a fresh agent ID, short enough for socket paths and
// tmux window names.
func NewAgentID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Start takes ownership of the channel directory, reconciles artifacts from
// a previous run, and activates agentIDs. The error is non-nil only for
// process-wide failures; per-agent failures are in the report.
func (s *Supervisor) Start(ctx context.Context, agentIDs []string) (*StartReport, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return nil, errors.ErrHubClosed
	}
	if s.started {
		return nil, errors.NewHubError("hub already started", nil).WithDir(s.registry.Dir())
	}

	dir := s.registry.Dir()
	log := s.logger.WithComponent("hub")

	lock, err := s.acquireLock(dir)
	if err != nil {
		return nil, err
	}

	recovered, err := s.registry.Recover()
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	for _, ep := range recovered {
		log.Info("recovered stale channel", logging.KeyAgent, ep.AgentID, "path", ep.Path)
	}

	watcher, err := channel.NewWatcher(s.registry,
		channel.WithWatcherLogger(s.logger),
		channel.WithSkip(s.isRemoving),
		channel.WithStaleHandler(func(ep channel.Endpoint) { s.router.MarkError(ep.AgentID) }),
	)
	if err != nil {
		_ = lock.Release()
		return nil, errors.NewHubError("cannot watch channel directory", err).WithDir(dir)
	}
	watcher.Start()

	s.lock = lock
	s.watcher = watcher
	s.started = true

	report := &StartReport{Recovered: recovered, Failed: make(map[string]error)}
	for _, id := range agentIDs {
		if err := ctx.Err(); err != nil {
			report.Failed[id] = err
			continue
		}
		if err := s.activate(id); err != nil {
			report.Failed[id] = err
			s.router.MarkError(id)
			s.logFailure(id, err)
			continue
		}
		report.Active = append(report.Active, id)
	}

	log.Info("hub started",
		"dir", dir,
		"active", len(report.Active),
		"failed", len(report.Failed),
		"recovered", len(recovered))
	return report, nil
}

// acquireLock creates dir if needed and locks it.
func (s *Supervisor) acquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.NewHubError("cannot create channel directory", err).WithDir(dir)
	}
	lock, err := AcquireLock(dir, s.logger.WithComponent("hub"))
	if err != nil {
		return nil, errors.NewHubError("cannot lock channel directory", err).WithDir(dir)
	}
	return lock, nil
}

// AddAgent activates agentID. Adding an agent whose channel is already
// served is a no-op; an agent whose socket went stale is rebound.
func (s *Supervisor) AddAgent(ctx context.Context, agentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkRunning(); err != nil {
		return err
	}
	if err := s.activate(agentID); err != nil {
		s.router.MarkError(agentID)
		s.logFailure(agentID, err)
		return err
	}
	return nil
}

// logFailure logs a failed activation at the error's severity.
func (s *Supervisor) logFailure(agentID string, err error) {
	log := s.logger.WithComponent("hub").WithAgent(agentID)
	if errors.GetSeverity(err) <= errors.SeverityWarning {
		log.Warn("agent activation failed", "error", err.Error())
		return
	}
	log.Error("agent activation failed", "error", err.Error())
}

// activate runs Register, Bind, MarkListening and Track. opMu must be held.
func (s *Supervisor) activate(agentID string) error {
	ep, err := s.registry.Register(agentID)
	if err != nil {
		return err
	}
	if ep.State == channel.StateListening {
		return nil
	}

	// A listener left over from a stale endpoint still holds an unlinked
	// socket; retire it before binding the path again.
	s.mu.Lock()
	old := s.listeners[agentID]
	delete(s.listeners, agentID)
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	l, err := listener.Bind(ep, s.router,
		listener.WithReadTimeout(s.cfg.Hub.ReadTimeout()),
		listener.WithMaxPayload(s.cfg.Hub.MaxPayloadBytes),
		listener.WithLogger(s.logger),
		listener.WithStaleRemoval(true),
	)
	if err != nil {
		_, _ = s.registry.Remove(agentID)
		return err
	}
	if err := s.registry.MarkListening(agentID); err != nil {
		_ = l.Close()
		return err
	}

	s.mu.Lock()
	s.listeners[agentID] = l
	s.mu.Unlock()

	s.router.Track(agentID)
	s.logger.WithComponent("hub").Info("agent channel listening", logging.KeyAgent, agentID, "path", ep.Path)
	return nil
}

// RemoveAgent stops serving agentID: its listener is closed first, then the
// registry entry is removed and its state evicted. Once it returns, a dial
// to the agent's channel fails.
func (s *Supervisor) RemoveAgent(ctx context.Context, agentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkRunning(); err != nil {
		return err
	}

	s.mu.Lock()
	l := s.listeners[agentID]
	delete(s.listeners, agentID)
	s.removing[agentID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.removing, agentID)
		s.mu.Unlock()
	}()

	var closeErr error
	if l != nil {
		closeErr = l.Close()
	}
	_, removeErr := s.registry.Remove(agentID)
	evicted := s.router.Evict(agentID)

	if l == nil && removeErr != nil && !evicted {
		return removeErr
	}
	s.logger.WithComponent("hub").Info("agent removed", logging.KeyAgent, agentID)
	return closeErr
}

// Shutdown stops every listener concurrently, waiting at most the
// configured grace period, then releases the directory. Subscriber streams
// are closed without being drained.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	log := s.logger.WithComponent("hub")

	s.mu.Lock()
	listeners := make(map[string]*listener.Listener, len(s.listeners))
	for id, l := range s.listeners {
		listeners[id] = l
		s.removing[id] = true
	}
	s.listeners = make(map[string]*listener.Listener)
	s.mu.Unlock()

	var errs []error
	if err := s.closeListeners(ctx, listeners); err != nil {
		errs = append(errs, err)
	}

	for _, ep := range s.registry.List() {
		_, _ = s.registry.Remove(ep.AgentID)
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.router.Close()
	if s.ownsKnowledge {
		if err := s.knowledge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, err)
	}

	log.Info("hub stopped", "listeners", len(listeners))
	return errors.Join(errs...)
}

// closeListeners closes all listeners in parallel within the grace period.
func (s *Supervisor) closeListeners(ctx context.Context, listeners map[string]*listener.Listener) error {
	if len(listeners) == 0 {
		return nil
	}
	grace := s.cfg.Hub.ShutdownGrace()
	if grace <= 0 {
		grace = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	var g errgroup.Group
	for id, l := range listeners {
		g.Go(func() error {
			if err := l.Close(); err != nil {
				return errors.Wrapf(err, "close listener %s", id)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.WithComponent("hub").Warn("shutdown grace period exceeded; abandoning listeners",
			"grace", grace.String())
		return errors.Wrap(errors.ErrTimeout, "close listeners")
	}
}

func (s *Supervisor) checkRunning() error {
	if s.closed {
		return errors.ErrHubClosed
	}
	if !s.started {
		return errors.ErrHubNotStarted
	}
	return nil
}

func (s *Supervisor) isRemoving(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removing[agentID]
}

// Router returns the event router.
func (s *Supervisor) Router() *router.Router { return s.router }

// Registry returns the channel registry.
func (s *Supervisor) Registry() *channel.Registry { return s.registry }

// Knowledge returns the knowledge index.
func (s *Supervisor) Knowledge() knowledge.Index { return s.knowledge }

// Config returns the configuration the hub runs with.
func (s *Supervisor) Config() *config.Config { return s.cfg }

// ListAgentStates returns a deep copy of every agent's state.
func (s *Supervisor) ListAgentStates() map[string]agentstate.State {
	return s.router.ListAgentStates()
}

// Subscribe attaches a consumer to the status stream.
func (s *Supervisor) Subscribe() *router.Subscription {
	return s.router.Subscribe()
}

// Stats returns listener counters per active agent.
func (s *Supervisor) Stats() map[string]listener.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[string]listener.Stats, len(s.listeners))
	for id, l := range s.listeners {
		stats[id] = l.Stats()
	}
	return stats
}
