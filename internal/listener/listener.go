// Package listener serves one agent's channel endpoint: a unix socket on
// which hook processes write a single event per connection.
//
// The listener never answers and never blocks a sender for longer than the
// read deadline. Every accepted connection yields exactly one RawEvent or
// one diagnostic (empty connection, handler panic); read failures never
// close the channel.
package listener

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/impromptu/internal/channel"
	"github.com/Iron-Ham/impromptu/internal/errors"
	"github.com/Iron-Ham/impromptu/internal/event"
	"github.com/Iron-Ham/impromptu/internal/logging"
)

// Defaults for a listener created without options.
const (
	DefaultReadTimeout = 500 * time.Millisecond
	DefaultMaxPayload  = 64 * 1024
)

// livenessDialTimeout bounds the liveness dial made before binding.
const livenessDialTimeout = 200 * time.Millisecond

// Sink receives raw events. It must not block for long: it runs on the
// connection's goroutine, which the listener waits for on Close.
type Sink interface {
	Ingest(event.RawEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event.RawEvent)

// Ingest calls f(raw).
func (f SinkFunc) Ingest(raw event.RawEvent) { f(raw) }

// Stats counts what a listener has seen since it was bound.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Delivered uint64 `json:"delivered"`
	Truncated uint64 `json:"truncated"`
	Empty     uint64 `json:"empty"`
	Panics    uint64 `json:"panics"`
}

// Option configures a Listener.
type Option func(*Listener)

// WithReadTimeout sets the per-connection read deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.readTimeout = d
		}
	}
}

// WithMaxPayload sets the payload cap in bytes.
func WithMaxPayload(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.maxPayload = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithStaleRemoval permits Bind to delete a dead socket file occupying the
// endpoint path. Callers pass true only when the registry does not hold
// the endpoint as Listening.
func WithStaleRemoval(allow bool) Option {
	return func(l *Listener) {
		l.removeStale = allow
	}
}

// Listener accepts hook connections on one endpoint.
type Listener struct {
	agentID     string
	path        string
	sink        Sink
	readTimeout time.Duration
	maxPayload  int
	removeStale bool
	logger      *logging.Logger

	ln       *net.UnixListener
	sockInfo os.FileInfo

	handlers   conc.WaitGroup
	acceptDone chan struct{}
	closing    atomic.Bool
	closeOnce  sync.Once
	closeErr   error

	accepted, delivered, truncated, empty, panicked atomic.Uint64
}

// Bind starts serving ep.Path, delivering events to sink. It fails with
// ErrEndpointBindFailure if a live listener already answers on the path, or
// if a dead artifact is there and stale removal was not permitted.
func Bind(ep channel.Endpoint, sink Sink, opts ...Option) (*Listener, error) {
	l := &Listener{
		agentID:     ep.AgentID,
		path:        ep.Path,
		sink:        sink,
		readTimeout: DefaultReadTimeout,
		maxPayload:  DefaultMaxPayload,
		logger:      logging.NopLogger(),
		acceptDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithComponent("listener").WithAgent(ep.AgentID)

	if err := l.clearPath(); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: l.path, Net: "unix"})
	if err != nil {
		return nil, l.bindError("listen failed", err)
	}
	// The file is removed by Close, after in-flight handlers finish.
	ln.SetUnlinkOnClose(false)
	if err := os.Chmod(l.path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(l.path)
		return nil, l.bindError("chmod failed", err)
	}
	l.sockInfo, _ = os.Lstat(l.path)
	l.ln = ln

	go l.acceptLoop()
	l.logger.Info("listening", "path", l.path)
	return l, nil
}

// clearPath makes sure nothing live is bound to the path, removing a dead
// socket file when permitted.
func (l *Listener) clearPath() error {
	info, err := os.Lstat(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return l.bindError("cannot inspect endpoint path", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return l.bindError("endpoint path is occupied by a non-socket file", nil)
	}

	if conn, err := net.DialTimeout("unix", l.path, livenessDialTimeout); err == nil {
		_ = conn.Close()
		return l.bindError("a live listener already serves this endpoint", nil)
	}
	if !l.removeStale {
		return l.bindError("stale socket occupies endpoint and removal is not permitted", nil)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return l.bindError("cannot remove stale socket", err)
	}
	l.logger.Info("removed stale socket", "path", l.path)
	return nil
}

func (l *Listener) bindError(msg string, cause error) error {
	if cause == nil {
		cause = errors.ErrEndpointBindFailure
	} else {
		cause = fmt.Errorf("%w: %v", errors.ErrEndpointBindFailure, cause)
	}
	return errors.NewChannelError(msg, cause).WithAgentID(l.agentID).WithPath(l.path)
}

func (l *Listener) acceptLoop() {
	defer close(l.acceptDone)

	var backoff time.Duration
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures (EMFILE and friends) must not end the channel.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			l.logger.Warn("accept failed", "error", err.Error(), "retry_in", backoff.String())
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		l.accepted.Add(1)
		l.handlers.Go(func() { l.serve(conn) })
	}
}

// serve isolates a handler panic to its own connection.
func (l *Listener) serve(conn *net.UnixConn) {
	if rec := panics.Try(func() { l.handle(conn) }); rec != nil {
		_ = conn.Close()
		l.panicked.Add(1)
		l.logger.Error("connection handler panicked", "panic", fmt.Sprint(rec.Value), "stack", string(rec.Stack))
	}
}

func (l *Listener) handle(conn *net.UnixConn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	// One byte past the cap tells a full payload from an oversized one.
	payload, readErr := io.ReadAll(io.LimitReader(conn, int64(l.maxPayload)+1))
	receivedAt := time.Now()

	truncated := len(payload) > l.maxPayload
	if truncated {
		payload = payload[:l.maxPayload]
	}

	if len(payload) == 0 {
		l.empty.Add(1)
		if readErr != nil {
			l.logger.Debug("connection closed without payload", "error", readErr.Error())
		} else {
			l.logger.Debug("connection closed without payload")
		}
		return
	}
	if readErr != nil {
		// Partial payloads are still delivered; the decoder decides what they are.
		l.logger.Debug("read ended early", "error", readErr.Error(), "bytes", len(payload))
	}
	if truncated {
		l.truncated.Add(1)
		l.logger.Warn("payload exceeded cap, truncated", "cap_bytes", l.maxPayload)
	}

	l.sink.Ingest(event.RawEvent{
		AgentID:    l.agentID,
		ReceivedAt: receivedAt,
		Payload:    payload,
		Truncated:  truncated,
	})
	l.delivered.Add(1)
}

// Close stops accepting, waits for in-flight connections to finish, and
// removes the socket file if it is still the one this listener created.
// After Close returns no further event reaches the sink. Close is idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.closeErr = l.ln.Close()
		<-l.acceptDone
		l.handlers.Wait()

		if info, err := os.Lstat(l.path); err == nil && l.sockInfo != nil && os.SameFile(info, l.sockInfo) {
			if err := os.Remove(l.path); err != nil && l.closeErr == nil {
				l.closeErr = err
			}
		}
		l.logger.Info("closed", "stats", l.Stats())
	})
	return l.closeErr
}

// AgentID returns the agent this listener serves.
func (l *Listener) AgentID() string { return l.agentID }

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Stats returns a snapshot of the listener's counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Accepted:  l.accepted.Load(),
		Delivered: l.delivered.Load(),
		Truncated: l.truncated.Load(),
		Empty:     l.empty.Load(),
		Panics:    l.panicked.Load(),
	}
}
