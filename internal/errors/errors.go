// Package errors defines the hub's sentinel errors and the two error types
// that record where a failure belongs.
//
// A ChannelError is scoped to one agent. It never stops the hub: it surfaces
// through that agent's status and a log entry. A HubError is process-wide
// and is only returned from Supervisor.Start.
//
//	err := errors.NewChannelError("socket already served", errors.ErrEndpointBindFailure).
//	    WithAgentID("a1").WithPath("/tmp/impromptu/a1.sock")
//
//	if errors.IsAgentScoped(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Standard library helpers, so callers need only this package.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// Severity ranks how loudly a failure is reported.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{"debug", "info", "warning", "error", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

// Channel sentinels. All of them are confined to one agent.
var (
	// ErrEndpointBindFailure indicates the channel path is occupied by a live
	// listener, or the socket could not be bound.
	ErrEndpointBindFailure = New("endpoint bind failure")
	// ErrChannelNotFound indicates an operation referenced an unregistered agent.
	ErrChannelNotFound = New("channel not found")
	// ErrDuplicateActiveChannel cannot occur while the registry keeps one
	// endpoint per agent under a single mutex; it names the invariant.
	ErrDuplicateActiveChannel = New("duplicate active channel")
	// ErrInvalidAgentID indicates an agent id that cannot name a channel file.
	ErrInvalidAgentID = New("invalid agent id")
)

// Payload sentinels. Neither reaches a sender: both degrade the payload to
// an Unknown event and only tag diagnostics.
var (
	ErrPayloadTooLarge = New("payload too large")
	ErrDecodeAmbiguous = New("payload decode ambiguous")
)

// Hub sentinels.
var (
	ErrHubClosed     = New("hub is closed")
	ErrHubLocked     = New("channel directory is locked by another hub")
	ErrHubNotStarted = New("hub not started")
	ErrTimeout       = New("operation timed out")
)

// detail is the part shared by ChannelError and HubError.
type detail struct {
	msg       string
	cause     error
	severity  Severity
	retryable bool
}

func (d *detail) Unwrap() error      { return d.cause }
func (d *detail) Severity() Severity { return d.severity }
func (d *detail) Retryable() bool    { return d.retryable }

// render formats "kind [k=v, ...]: msg: cause", skipping empty values.
func (d *detail) render(kind string, kv ...string) string {
	var b strings.Builder
	b.WriteString(kind)
	open := false
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		if open {
			b.WriteString(", ")
		} else {
			b.WriteString(" [")
			open = true
		}
		fmt.Fprintf(&b, "%s=%s", kv[i], kv[i+1])
	}
	if open {
		b.WriteByte(']')
	}
	b.WriteString(": ")
	b.WriteString(d.msg)
	if d.cause != nil {
		b.WriteString(": ")
		b.WriteString(d.cause.Error())
	}
	return b.String()
}

// classified is implemented by both error types.
type classified interface {
	error
	Severity() Severity
	Retryable() bool
}

// ChannelError is a failure of a single agent's channel.
type ChannelError struct {
	detail
	AgentID string
	Path    string
}

// NewChannelError returns a ChannelError at SeverityError.
func NewChannelError(msg string, cause error) *ChannelError {
	return &ChannelError{detail: detail{msg: msg, cause: cause, severity: SeverityError}}
}

func (e *ChannelError) WithAgentID(id string) *ChannelError {
	e.AgentID = id
	return e
}

func (e *ChannelError) WithPath(path string) *ChannelError {
	e.Path = path
	return e
}

func (e *ChannelError) WithSeverity(s Severity) *ChannelError {
	e.severity = s
	return e
}

func (e *ChannelError) WithRetryable(r bool) *ChannelError {
	e.retryable = r
	return e
}

func (e *ChannelError) Error() string {
	return e.render("channel error", "agent", e.AgentID, "path", e.Path)
}

// HubError is a process-wide failure: the hub cannot serve any agent until
// it is resolved. Hub errors are always critical.
type HubError struct {
	detail
	Dir string
}

func NewHubError(msg string, cause error) *HubError {
	return &HubError{detail: detail{msg: msg, cause: cause, severity: SeverityCritical}}
}

// WithDir records the channel directory involved.
func (e *HubError) WithDir(dir string) *HubError {
	e.Dir = dir
	return e
}

func (e *HubError) Error() string {
	return e.render("hub error", "dir", e.Dir)
}

// IsRetryable reports whether err is transient. Timeouts always are.
func IsRetryable(err error) bool {
	var c classified
	if As(err, &c) {
		return c.Retryable()
	}
	return err != nil && Is(err, ErrTimeout)
}

// GetSeverity returns err's severity. Unclassified errors are SeverityError
// and nil is SeverityDebug.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var c classified
	if As(err, &c) {
		return c.Severity()
	}
	return SeverityError
}

// IsAgentScoped reports whether err is confined to a single agent and must
// not be propagated to the rest of the hub.
func IsAgentScoped(err error) bool {
	if err == nil {
		return false
	}
	var chErr *ChannelError
	return As(err, &chErr) ||
		Is(err, ErrEndpointBindFailure) ||
		Is(err, ErrChannelNotFound) ||
		Is(err, ErrInvalidAgentID)
}

// Wrap prefixes err with msg. A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
