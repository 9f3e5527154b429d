// Package statusline renders agent states as one-line summaries for the
// serve command's status stream.
package statusline

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/impromptu/internal/agentstate"
	"github.com/Iron-Ham/impromptu/internal/router"
)

// Status colors, all WCAG AA on dark backgrounds.
var (
	ColorIdle    = lipgloss.Color("#9CA3AF") // Gray
	ColorWorking = lipgloss.Color("#10B981") // Green
	ColorWaiting = lipgloss.Color("#F59E0B") // Amber
	ColorError   = lipgloss.Color("#F87171") // Red
	ColorEnded   = lipgloss.Color("#A78BFA") // Purple
	ColorMuted   = lipgloss.Color("#6B7280")
)

// Color returns the badge color for a status.
func Color(s agentstate.Status) lipgloss.Color {
	switch s {
	case agentstate.StatusWorking:
		return ColorWorking
	case agentstate.StatusWaitingOnUser:
		return ColorWaiting
	case agentstate.StatusError:
		return ColorError
	case agentstate.StatusEnded:
		return ColorEnded
	default:
		return ColorIdle
	}
}

// Icon returns a one-character icon for a status.
func Icon(s agentstate.Status) string {
	switch s {
	case agentstate.StatusWorking:
		return "●"
	case agentstate.StatusWaitingOnUser:
		return "?"
	case agentstate.StatusError:
		return "✗"
	case agentstate.StatusEnded:
		return "✓"
	default:
		return "○"
	}
}

// Renderer formats states, styled for a terminal or as plain text.
type Renderer struct {
	styled bool
	lg     *lipgloss.Renderer
	now    func() time.Time
}

// New returns a Renderer writing for w. Styles are applied only when
// styled is true; lipgloss then degrades colors to what w supports.
func New(w io.Writer, styled bool) *Renderer {
	return &Renderer{styled: styled, lg: lipgloss.NewRenderer(w), now: time.Now}
}

// Badge renders the icon and status name.
func (r *Renderer) Badge(s agentstate.Status) string {
	text := fmt.Sprintf("%s %-13s", Icon(s), s.String())
	if !r.styled {
		return text
	}
	return r.lg.NewStyle().Foreground(Color(s)).Bold(s == agentstate.StatusWaitingOnUser).Render(text)
}

// Line renders one agent: ID, badge, latest activity and its age.
func (r *Renderer) Line(st agentstate.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %s", st.AgentID, r.Badge(st.Status))

	if st.LastEvent != nil {
		if summary := st.LastEvent.Summary(); summary != "" {
			b.WriteString(" ")
			b.WriteString(summary)
		}
	}
	if !st.LastActivityAt.IsZero() {
		b.WriteString(" ")
		b.WriteString(r.muted("(" + age(r.now().Sub(st.LastActivityAt)) + ")"))
	}
	return b.String()
}

// Table renders every state, one line each, ordered by agent ID.
func (r *Renderer) Table(states map[string]agentstate.State) string {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, r.Line(states[id]))
	}
	return strings.Join(lines, "\n")
}

// Delta renders a router delta, or "" for one not worth a line: an event
// that neither changed the status nor carried anything to show.
func (r *Renderer) Delta(d router.Delta) string {
	switch {
	case d.Removed:
		return fmt.Sprintf("%-10s %s", d.AgentID, r.muted("removed"))
	case d.StatusChanged, d.Event == nil:
		return r.Line(d.State)
	case d.Event.Summary() != "":
		return r.Line(d.State)
	default:
		return ""
	}
}

func (r *Renderer) muted(s string) string {
	if !r.styled {
		return s
	}
	return r.lg.NewStyle().Foreground(ColorMuted).Render(s)
}

// age renders a coarse duration: "now", "42s ago", "5m ago", "3h ago".
func age(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
