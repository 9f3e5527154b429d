package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Iron-Ham/impromptu/internal/errors"
)

// maxArgsSummary bounds ArgsSummary so a single huge tool input cannot bloat history.
const maxArgsSummary = 80

// hookKinds maps hook_event_name values from Claude Code and Gemini CLI hooks.
var hookKinds = map[string]Kind{
	"SessionStart":     KindSessionStart,
	"SessionEnd":       KindSessionEnd,
	"PreToolUse":       KindToolInvocation,
	"PostToolUse":      KindToolInvocation,
	"BeforeTool":       KindToolInvocation,
	"AfterTool":        KindToolInvocation,
	"Notification":     KindNotification,
	"UserPromptSubmit": KindPromptSubmit,
	"BeforeAgent":      KindPromptSubmit,
	"Stop":             KindTurnComplete,
	"AfterAgent":       KindTurnComplete,
}

// argKeys are tool_input fields that best identify what a tool is touching,
// in preference order.
var argKeys = []string{"file_path", "path", "command", "pattern", "url", "query", "description"}

// hookPayload is the subset of a hook's JSON input the hub reads.
type hookPayload struct {
	HookEventName    string          `json:"hook_event_name"`
	SessionID        string          `json:"session_id"`
	TranscriptPath   string          `json:"transcript_path"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	Message          string          `json:"message"`
	NotificationType string          `json:"notification_type"`
	Prompt           string          `json:"prompt"`
	Details          struct {
		ToolName string `json:"tool_name"`
	} `json:"details"`
}

// Decode classifies a raw payload. It never fails: the returned event is
// always usable, and a non-nil error only explains why it is KindUnknown
// (wrapping ErrPayloadTooLarge or ErrDecodeAmbiguous). Seq is left zero.
func Decode(raw RawEvent) (AgentEvent, error) {
	ev := AgentEvent{
		AgentID:    raw.AgentID,
		ReceivedAt: raw.ReceivedAt,
		Kind:       KindUnknown,
	}

	unknown := func(cause error) (AgentEvent, error) {
		ev.Kind = KindUnknown
		ev.Raw = append([]byte(nil), raw.Payload...)
		ev.Truncated = raw.Truncated
		return ev, cause
	}

	// A truncated payload is never interpreted, even if its prefix parses.
	if raw.Truncated {
		return unknown(errors.Wrapf(errors.ErrPayloadTooLarge, "payload cut at %d bytes", len(raw.Payload)))
	}

	trimmed := bytes.TrimSpace(raw.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return unknown(errors.Wrap(errors.ErrDecodeAmbiguous, "payload is not a JSON object"))
	}

	var p hookPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return unknown(errors.Wrapf(errors.ErrDecodeAmbiguous, "invalid JSON: %v", err))
	}

	ev.Hook = p.HookEventName
	ev.SessionID = p.SessionID
	ev.TranscriptPath = p.TranscriptPath

	kind, ok := hookKinds[p.HookEventName]
	if !ok {
		if p.HookEventName == "" {
			return unknown(errors.Wrap(errors.ErrDecodeAmbiguous, "missing hook_event_name"))
		}
		return unknown(errors.Wrapf(errors.ErrDecodeAmbiguous, "unrecognized hook %q", p.HookEventName))
	}
	ev.Kind = kind

	switch kind {
	case KindToolInvocation:
		if p.ToolName == "" {
			return unknown(errors.Wrapf(errors.ErrDecodeAmbiguous, "%s without tool_name", p.HookEventName))
		}
		ev.ToolName = p.ToolName
		ev.ArgsSummary = summarizeArgs(p.ToolInput)
	case KindNotification:
		ev.NotificationType = p.NotificationType
		ev.Text = p.Message
		if ev.Text == "" && p.NotificationType == "ToolPermission" {
			tool := p.Details.ToolName
			if tool == "" {
				tool = "permission"
			}
			ev.Text = "Approval needed: " + tool
		}
	case KindPromptSubmit:
		ev.Text = truncate(p.Prompt, maxArgsSummary)
	}
	return ev, nil
}

// summarizeArgs renders a tool_input object as a short human-readable string.
// A recognizable target field wins; otherwise scalar fields are listed as
// sorted key=value pairs.
func summarizeArgs(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		var s string
		if json.Unmarshal(input, &s) == nil {
			return truncate(s, maxArgsSummary)
		}
		return ""
	}

	for _, key := range argKeys {
		if s, ok := fields[key].(string); ok && s != "" {
			return truncate(s, maxArgsSummary)
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		case float64, bool:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return truncate(strings.Join(parts, " "), maxArgsSummary)
}

// truncate cuts s to at most n bytes on a rune boundary, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
