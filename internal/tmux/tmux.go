// Package tmux wraps the tmux commands impromptu needs to host agents.
//
// Every agent runs in its own window of one session on an isolated tmux
// server (-L socket), so impromptu never touches the user's own tmux
// sessions. Windows are named after the agent ID, and the agent ID is
// injected into the window's environment so the agent's hooks know which
// channel to write to.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultSocket is the tmux server socket name used when none is configured.
const DefaultSocket = "impromptu"

// AgentEnv is the environment variable carrying the agent ID into its window.
// It matches hookclient.EnvAgentID.
const AgentEnv = "IMPROMPTU_AGENT_ID"

// CommandWithSocket creates an exec.Cmd for tmux on the given socket.
func CommandWithSocket(socket string, args ...string) *exec.Cmd {
	return exec.Command("tmux", CommandArgsWithSocket(socket, args...)...)
}

// CommandContextWithSocket creates a context-aware exec.Cmd on the given socket.
func CommandContextWithSocket(ctx context.Context, socket string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", CommandArgsWithSocket(socket, args...)...)
}

// CommandArgsWithSocket returns tmux arguments with the socket prepended.
func CommandArgsWithSocket(socket string, args ...string) []string {
	return append([]string{"-L", socket}, args...)
}

// Host is one tmux session on one socket in which agents run.
type Host struct {
	Socket  string
	Session string
}

// NewHost returns a Host, substituting defaults for empty names.
func NewHost(socket, session string) *Host {
	if socket == "" {
		socket = DefaultSocket
	}
	if session == "" {
		session = DefaultSocket
	}
	return &Host{Socket: socket, Session: session}
}

// Target returns the tmux target for agentID's window. The "=" prefix asks
// tmux for an exact name match, so IDs containing "." or ":" still resolve.
func (h *Host) Target(agentID string) string {
	return h.Session + ":=" + agentID
}

// LaunchArgs returns the arguments that start command in a new window for
// agentID. When the session does not exist yet it is created detached with
// that window as its first.
func (h *Host) LaunchArgs(agentID, workdir string, sessionExists bool, command []string) []string {
	var args []string
	if sessionExists {
		args = []string{"new-window", "-d", "-t", h.Session + ":"}
	} else {
		args = []string{"new-session", "-d", "-s", h.Session}
	}
	args = append(args, "-n", agentID, "-e", AgentEnv+"="+agentID)
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	args = append(args, command...)
	return CommandArgsWithSocket(h.Socket, args...)
}

// SelectArgs returns the arguments that focus agentID's window.
func (h *Host) SelectArgs(agentID string) []string {
	return CommandArgsWithSocket(h.Socket, "select-window", "-t", h.Target(agentID))
}

// KillArgs returns the arguments that close agentID's window.
func (h *Host) KillArgs(agentID string) []string {
	return CommandArgsWithSocket(h.Socket, "kill-window", "-t", h.Target(agentID))
}

// HasSession reports whether the host session exists.
func (h *Host) HasSession(ctx context.Context) bool {
	return CommandContextWithSocket(ctx, h.Socket, "has-session", "-t", "="+h.Session).Run() == nil
}

// Launch starts command in a new window for agentID.
func (h *Host) Launch(ctx context.Context, agentID, workdir string, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("tmux: no command to launch for %s", agentID)
	}
	return h.run(ctx, h.LaunchArgs(agentID, workdir, h.HasSession(ctx), command))
}

// Select focuses agentID's window.
func (h *Host) Select(ctx context.Context, agentID string) error {
	return h.run(ctx, h.SelectArgs(agentID))
}

// Kill closes agentID's window.
func (h *Host) Kill(ctx context.Context, agentID string) error {
	return h.run(ctx, h.KillArgs(agentID))
}

// ListWindows returns the window names in the host session, which are the
// IDs of the agents it hosts.
func (h *Host) ListWindows(ctx context.Context) ([]string, error) {
	out, err := CommandContextWithSocket(ctx, h.Socket,
		"list-windows", "-t", "="+h.Session, "-F", "#{window_name}").Output()
	if err != nil {
		return nil, fmt.Errorf("tmux list-windows: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (h *Host) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[2], err, strings.TrimSpace(string(out)))
	}
	return nil
}
