// Package hookclient is the sending side of an agent's channel. Agent hooks
// run it as a short-lived process: read one event, deliver it, exit.
//
// Delivery is fire-and-forget. The hub never replies, and a hub that is not
// running must never slow the agent down, so callers on the hook path
// discard the returned error.
package hookclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/impromptu/internal/config"
)

// EnvAgentID is the environment variable that carries an agent's ID into
// its hooks. The tmux wrapper injects it when launching the agent pane.
const EnvAgentID = "IMPROMPTU_AGENT_ID"

// DefaultDialTimeout bounds the dial and write of one delivery.
const DefaultDialTimeout = 300 * time.Millisecond

// Client delivers events to channels under one directory.
type Client struct {
	dir     string
	timeout time.Duration
}

// New returns a Client for channelDir. A non-positive timeout uses
// DefaultDialTimeout.
func New(channelDir string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Client{dir: channelDir, timeout: timeout}
}

// AgentIDFromEnv returns the agent ID injected into the hook's environment.
func AgentIDFromEnv() (string, bool) {
	id := os.Getenv(EnvAgentID)
	return id, id != ""
}

// Deliver writes payload to agentID's channel as a single connection.
func (c *Client) Deliver(ctx context.Context, agentID string, payload []byte) error {
	if err := config.ValidateAgentID(c.dir, agentID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", filepath.Join(c.dir, agentID+".sock"))
	if err != nil {
		return fmt.Errorf("dial channel for %s: %w", agentID, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write event for %s: %w", agentID, err)
	}
	return nil
}

// DeliverFrom reads at most limit bytes from r and delivers them. The hub
// truncates larger payloads anyway, so nothing beyond limit is read.
func (c *Client) DeliverFrom(ctx context.Context, agentID string, r io.Reader, limit int) error {
	payload, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}
	return c.Deliver(ctx, agentID, payload)
}
