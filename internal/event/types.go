// Package event defines the events that flow from agent hooks into the hub.
//
// A hook connection yields a [RawEvent]: opaque bytes tagged with the agent
// whose channel received them. [Decode] turns it into an [AgentEvent] on a
// best-effort basis; anything it cannot classify becomes [KindUnknown] and
// is still recorded, never rejected.
package event

import (
	"fmt"
	"time"
)

// Kind classifies a decoded hook event.
type Kind int

const (
	// KindUnknown is any payload that could not be classified. The raw
	// bytes are kept so nothing an agent sent is lost.
	KindUnknown Kind = iota
	// KindSessionStart marks a new or cleared agent session.
	KindSessionStart
	// KindSessionEnd marks the end of an agent session. It is terminal.
	KindSessionEnd
	// KindToolInvocation marks a tool call, before or after it ran.
	KindToolInvocation
	// KindNotification carries a message the agent surfaced to the user.
	KindNotification
	// KindPromptSubmit marks the user handing the agent a new prompt.
	KindPromptSubmit
	// KindTurnComplete marks the agent finishing its turn and waiting for input.
	KindTurnComplete
)

var kindNames = [...]string{
	KindUnknown:        "Unknown",
	KindSessionStart:   "SessionStart",
	KindSessionEnd:     "SessionEnd",
	KindToolInvocation: "ToolInvocation",
	KindNotification:   "Notification",
	KindPromptSubmit:   "PromptSubmit",
	KindTurnComplete:   "TurnComplete",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText renders the kind by name in JSON and logs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// RawEvent is the unparsed payload of one hook connection. It lives only
// between the listener and the router.
type RawEvent struct {
	AgentID    string
	ReceivedAt time.Time
	Payload    []byte
	// Truncated is set when the sender exceeded the listener's payload cap;
	// Payload then holds only the first cap bytes.
	Truncated bool
}

// AgentEvent is a decoded hook event. Fields beyond the common header are
// populated according to Kind.
type AgentEvent struct {
	AgentID string `json:"agent_id"`
	// Seq is assigned by the router: strictly increasing per agent from 1.
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	Kind       Kind      `json:"kind"`

	// Hook is the hook_event_name exactly as the agent sent it.
	Hook string `json:"hook,omitempty"`

	// KindToolInvocation
	ToolName    string `json:"tool_name,omitempty"`
	ArgsSummary string `json:"args_summary,omitempty"`

	// KindNotification and KindPromptSubmit
	Text             string `json:"text,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`

	// Present on any kind when the agent reports them.
	SessionID      string `json:"session_id,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`

	// KindUnknown
	Raw       []byte `json:"raw,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Summary renders a one-line description for status views and logs.
func (e AgentEvent) Summary() string {
	switch e.Kind {
	case KindToolInvocation:
		if e.ArgsSummary == "" {
			return e.ToolName
		}
		return e.ToolName + " " + e.ArgsSummary
	case KindNotification, KindPromptSubmit:
		return e.Text
	case KindUnknown:
		if e.Truncated {
			return fmt.Sprintf("unknown payload (%d bytes, truncated)", len(e.Raw))
		}
		return fmt.Sprintf("unknown payload (%d bytes)", len(e.Raw))
	default:
		return e.Kind.String()
	}
}

// Clone returns a copy that shares no memory with e.
func (e AgentEvent) Clone() AgentEvent {
	if e.Raw != nil {
		e.Raw = append([]byte(nil), e.Raw...)
	}
	return e
}
