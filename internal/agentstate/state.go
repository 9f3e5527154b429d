// Package agentstate derives an agent's authoritative status from its
// ordered event stream.
//
// A State is plain data with no locking; the router serializes Apply per
// agent. Applying events one at a time and replaying the same sequence in
// a batch produce identical states.
package agentstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/impromptu/internal/event"
)

// DefaultHistorySize is how many recent events a State keeps.
const DefaultHistorySize = 50

// Status is an agent's coarse lifecycle status.
type Status int

const (
	StatusIdle Status = iota
	StatusWorking
	StatusWaitingOnUser
	StatusError
	// StatusEnded is terminal: later events are recorded but never move it.
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusWorking:
		return "Working"
	case StatusWaitingOnUser:
		return "WaitingOnUser"
	case StatusError:
		return "Error"
	case StatusEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status by name in JSON and logs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for st := StatusIdle; st <= StatusEnded; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown agent status %q", text)
}

// IsTerminal reports whether no event can move the status.
func (s Status) IsTerminal() bool {
	return s == StatusEnded
}

// State is the derived view of one agent.
type State struct {
	AgentID        string             `json:"agent_id"`
	Status         Status             `json:"status"`
	LastEvent      *event.AgentEvent  `json:"last_event,omitempty"`
	// LastActivityAt is the receive time of the last applied event. It
	// follows the event even if the clock stepped backwards.
	LastActivityAt time.Time          `json:"last_activity_at"`
	History        []event.AgentEvent `json:"history"`

	SessionID      string `json:"session_id,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	// CurrentTool is the last tool the agent invoked during the current turn.
	CurrentTool string `json:"current_tool,omitempty"`

	historySize int
}

// Transition describes the effect of one Apply.
type Transition struct {
	From, To Status
	// Changed is true when the status moved.
	Changed bool
	// Appended is false only for a stale event that was rejected outright.
	Appended bool
}

// New returns an Idle state for agentID. A historySize below 1 uses DefaultHistorySize.
func New(agentID string, historySize int, now time.Time) *State {
	if historySize < 1 {
		historySize = DefaultHistorySize
	}
	return &State{
		AgentID:        agentID,
		Status:         StatusIdle,
		LastActivityAt: now,
		historySize:    historySize,
	}
}

// Apply folds ev into the state. Events carrying a sequence number not
// greater than the last applied one are rejected so history stays ordered.
func (s *State) Apply(ev event.AgentEvent) Transition {
	t := Transition{From: s.Status, To: s.Status}
	if s.LastEvent != nil && ev.Seq != 0 && ev.Seq <= s.LastEvent.Seq {
		return t
	}

	next := Next(s.Status, ev)
	if !s.Status.IsTerminal() {
		s.absorb(ev, next)
	}
	s.Status = next

	ev = ev.Clone()
	s.History = append(s.History, ev)
	if over := len(s.History) - s.limit(); over > 0 {
		// Copy down so the dropped prefix can be collected.
		s.History = append(s.History[:0:0], s.History[over:]...)
	}
	s.LastEvent = &s.History[len(s.History)-1]
	if !ev.ReceivedAt.IsZero() {
		s.LastActivityAt = ev.ReceivedAt
	}

	t.To = next
	t.Changed = next != t.From
	t.Appended = true
	return t
}

// MarkError moves a non-terminal state to Error without recording an event.
// The hub uses it for agents whose channel could not be served.
func (s *State) MarkError(at time.Time) Transition {
	t := Transition{From: s.Status, To: s.Status}
	if s.Status.IsTerminal() {
		return t
	}
	s.Status = StatusError
	if !at.IsZero() {
		s.LastActivityAt = at
	}
	t.To = StatusError
	t.Changed = t.From != StatusError
	return t
}

// absorb copies session metadata carried by ev.
func (s *State) absorb(ev event.AgentEvent, next Status) {
	if ev.SessionID != "" {
		s.SessionID = ev.SessionID
	}
	if ev.TranscriptPath != "" {
		s.TranscriptPath = ev.TranscriptPath
	}
	switch {
	case ev.Kind == event.KindToolInvocation:
		s.CurrentTool = ev.ToolName
	case next == StatusIdle || next == StatusEnded:
		s.CurrentTool = ""
	}
}

func (s *State) limit() int {
	if s.historySize < 1 {
		return DefaultHistorySize
	}
	return s.historySize
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *State) Clone() State {
	c := *s
	c.History = make([]event.AgentEvent, len(s.History))
	for i, ev := range s.History {
		c.History[i] = ev.Clone()
	}
	c.LastEvent = nil
	if n := len(c.History); n > 0 && s.LastEvent != nil {
		c.LastEvent = &c.History[n-1]
	}
	return c
}

// Replay builds a state by applying events in order.
func Replay(agentID string, historySize int, start time.Time, events []event.AgentEvent) State {
	s := New(agentID, historySize, start)
	for _, ev := range events {
		s.Apply(ev)
	}
	return s.Clone()
}

// Next is the transition function: the status that follows current after ev.
func Next(current Status, ev event.AgentEvent) Status {
	if current.IsTerminal() {
		return current
	}

	switch ev.Kind {
	case event.KindSessionStart:
		return StatusIdle
	case event.KindSessionEnd:
		return StatusEnded
	case event.KindToolInvocation, event.KindPromptSubmit:
		return StatusWorking
	case event.KindTurnComplete:
		if current == StatusWorking || current == StatusWaitingOnUser {
			return StatusIdle
		}
	case event.KindNotification:
		if IsErrorLike(ev) {
			return StatusError
		}
		if current == StatusWorking && IsWaitingLike(ev) {
			return StatusWaitingOnUser
		}
	}
	return current
}

var (
	waitingWords = []string{"waiting", "permission", "approval", "needs your"}
	waitingTypes = []string{"ToolPermission", "permission_prompt", "idle_prompt"}
	errorWords   = []string{"error", "failed", "failure", "crash", "exception"}
)

// IsWaitingLike reports whether a notification asks the user for input.
func IsWaitingLike(ev event.AgentEvent) bool {
	for _, t := range waitingTypes {
		if ev.NotificationType == t {
			return true
		}
	}
	return containsAny(ev.Text, waitingWords)
}

// IsErrorLike reports whether a notification reports a failure.
func IsErrorLike(ev event.AgentEvent) bool {
	return containsAny(ev.Text, errorWords)
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
