package channel

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/impromptu/internal/logging"
)

// Watcher keeps the registry truthful when a Listening endpoint's socket
// file is deleted out from under the hub, for example by a /tmp cleaner.
// Such endpoints are marked Stale; a listener can no longer be reached
// through a path that does not exist.
type Watcher struct {
	reg     *Registry
	fs      *fsnotify.Watcher
	logger  *logging.Logger
	skip    func(agentID string) bool
	onStale func(Endpoint)

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for removal warnings.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l.WithComponent("watcher")
	}
}

// WithSkip excludes agents from reconciliation, typically ones the hub is
// tearing down itself.
func WithSkip(skip func(agentID string) bool) WatcherOption {
	return func(w *Watcher) {
		w.skip = skip
	}
}

// WithStaleHandler is called after an endpoint has been marked Stale.
func WithStaleHandler(fn func(Endpoint)) WatcherOption {
	return func(w *Watcher) {
		w.onStale = fn
	}
}

// NewWatcher watches the registry's directory, which must exist.
func NewWatcher(reg *Registry, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(reg.Dir()); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		reg:     reg,
		fs:      fsw,
		logger:  logging.NopLogger(),
		skip:    func(string) bool { return false },
		onStale: func(Endpoint) {},
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.loop()
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	if w.started.Load() {
		<-w.stopped
	}
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.handleRemoval(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("channel directory watch error", "error", err.Error())
		}
	}
}

func (w *Watcher) handleRemoval(path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, SocketSuffix) {
		return
	}
	agentID := strings.TrimSuffix(name, SocketSuffix)
	if w.skip(agentID) {
		return
	}

	ep, ok := w.reg.Get(agentID)
	if !ok || ep.State != StateListening || ep.Path != path {
		return
	}
	// Events arrive asynchronously; a rebind may already have recreated the socket.
	if _, err := os.Lstat(path); err == nil {
		return
	}
	if err := w.reg.MarkStale(agentID); err != nil {
		return
	}
	ep.State = StateStale
	w.logger.WithAgent(agentID).Warn("socket file removed externally, endpoint marked stale", "path", path)
	w.onStale(ep)
}
