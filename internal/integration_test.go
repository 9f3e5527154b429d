// Package internal contains end-to-end tests that drive a hub the way agent
// hooks do: over the channel sockets, through the router, into the
// knowledge base and the status line.
package internal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Iron-Ham/impromptu/internal/agentstate"
	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/hookclient"
	"github.com/Iron-Ham/impromptu/internal/hub"
	"github.com/Iron-Ham/impromptu/internal/knowledge"
	"github.com/Iron-Ham/impromptu/internal/router"
	"github.com/Iron-Ham/impromptu/internal/statusline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startHub(t *testing.T, ids ...string) (*hub.Supervisor, *config.Config) {
	t.Helper()
	dir, err := os.MkdirTemp("", "impint")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Hub.ChannelDir = filepath.Join(dir, "ch")
	cfg.Hub.StateDir = filepath.Join(dir, "state")
	cfg.Hub.ReadTimeoutMs = 200
	cfg.Knowledge.Backend = config.BackendFile

	sup, err := hub.New(cfg)
	if err != nil {
		t.Fatalf("hub.New() error = %v", err)
	}
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	report, err := sup.Start(context.Background(), ids)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("Start() failed agents: %v", report.Failed)
	}
	return sup, cfg
}

// await reads deltas until one for agentID reaches want.
func await(t *testing.T, sub *router.Subscription, agentID string, want agentstate.Status, seen *[]router.Delta) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case d, ok := <-sub.Updates():
			if !ok {
				t.Fatal("update stream closed")
			}
			*seen = append(*seen, d)
			if d.AgentID == agentID && d.State.Status == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to reach %s", agentID, want)
		}
	}
}

func TestAgentLifecycleEndToEnd(t *testing.T) {
	sup, cfg := startHub(t, "a1", "b2")

	sub := sup.Subscribe()
	defer sub.Close()
	if got := len(sub.Snapshot()); got != 2 {
		t.Fatalf("snapshot has %d agents, want 2", got)
	}

	client := hookclient.New(cfg.Hub.ChannelDir, time.Second)
	deliver := func(agentID, payload string) {
		t.Helper()
		if err := client.Deliver(context.Background(), agentID, []byte(payload)); err != nil {
			t.Fatalf("Deliver(%s) error = %v", agentID, err)
		}
	}

	var seen []router.Delta
	deliver("a1", `{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"go test ./..."}}`)
	await(t, sub, "a1", agentstate.StatusWorking, &seen)

	deliver("a1", `{"hook_event_name":"Notification","message":"Claude needs your permission to use Bash","notification_type":"permission_prompt"}`)
	await(t, sub, "a1", agentstate.StatusWaitingOnUser, &seen)

	deliver("a1", `{"hook_event_name":"Stop"}`)
	await(t, sub, "a1", agentstate.StatusIdle, &seen)

	deliver("a1", `{"hook_event_name":"SessionEnd","transcript_path":"/tmp/a1.jsonl"}`)
	await(t, sub, "a1", agentstate.StatusEnded, &seen)

	// Ended absorbs anything that arrives later.
	deliver("a1", `{"hook_event_name":"PreToolUse","tool_name":"Edit"}`)
	deliver("b2", `{"hook_event_name":"UserPromptSubmit","prompt":"refactor"}`)
	await(t, sub, "b2", agentstate.StatusWorking, &seen)

	st, ok := sup.Router().Get("a1")
	if !ok || st.Status != agentstate.StatusEnded {
		t.Fatalf("a1 = %+v, want Ended", st)
	}

	r := statusline.New(io.Discard, false)
	var lines []string
	for _, d := range seen {
		if d.AgentID == "a1" && d.StatusChanged {
			lines = append(lines, r.Delta(d))
		}
	}
	if len(lines) != 4 {
		t.Fatalf("a1 status lines = %q, want 4", lines)
	}
	if !strings.Contains(lines[1], "WaitingOnUser") || !strings.Contains(lines[3], "Ended") {
		t.Errorf("unexpected status lines %q", lines)
	}

	idx := sup.Knowledge()
	var entries []knowledge.Entry
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		entries, err = idx.Query(context.Background(), knowledge.Query{AgentID: "a1"})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(entries) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 2 {
		t.Fatalf("knowledge entries for a1 = %+v, want 2", entries)
	}
	if entries[0].Topic != knowledge.TopicNotification || entries[1].Topic != knowledge.TopicTranscript {
		t.Errorf("topics = %s, %s", entries[0].Topic, entries[1].Topic)
	}
	if entries[1].ContentRef != "/tmp/a1.jsonl" {
		t.Errorf("transcript ref = %q", entries[1].ContentRef)
	}
}

func TestRemovedAgentStopsReceiving(t *testing.T) {
	sup, cfg := startHub(t, "a1")

	if err := sup.RemoveAgent(context.Background(), "a1"); err != nil {
		t.Fatalf("RemoveAgent() error = %v", err)
	}
	client := hookclient.New(cfg.Hub.ChannelDir, 200*time.Millisecond)
	if err := client.Deliver(context.Background(), "a1", []byte(`{"hook_event_name":"Stop"}`)); err == nil {
		t.Error("Deliver() to a removed agent should fail")
	}
	if _, ok := sup.Router().Get("a1"); ok {
		t.Error("removed agent still tracked")
	}
}
