package channel

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcher_MarksRemovedSocketStale(t *testing.T) {
	dir := shortDir(t)
	reg := NewRegistry(dir)
	path := reg.PathFor("a1")
	leaveSocket(t, path)
	_, _ = reg.Register("a1")
	_ = reg.MarkListening("a1")

	staleCh := make(chan Endpoint, 1)
	w, err := NewWatcher(reg, WithStaleHandler(func(ep Endpoint) { staleCh <- ep }))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	defer w.Close()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	select {
	case ep := <-staleCh:
		if ep.AgentID != "a1" || ep.State != StateStale {
			t.Errorf("stale handler got %+v", ep)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stale handler not called")
	}
	if ep, _ := reg.Get("a1"); ep.State != StateStale {
		t.Errorf("State = %v, want Stale", ep.State)
	}
}

func TestWatcher_SkipsExcludedAgents(t *testing.T) {
	dir := shortDir(t)
	reg := NewRegistry(dir)
	for _, id := range []string{"keep", "skip"} {
		leaveSocket(t, reg.PathFor(id))
		_, _ = reg.Register(id)
		_ = reg.MarkListening(id)
	}

	w, err := NewWatcher(reg, WithSkip(func(id string) bool { return id == "skip" }))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	defer w.Close()

	_ = os.Remove(reg.PathFor("skip"))
	_ = os.Remove(reg.PathFor("keep"))

	waitFor(t, func() bool {
		ep, _ := reg.Get("keep")
		return ep.State == StateStale
	})
	if ep, _ := reg.Get("skip"); ep.State != StateListening {
		t.Errorf("skipped agent state = %v, want Listening", ep.State)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := shortDir(t)
	reg := NewRegistry(dir)
	other := filepath.Join(dir, "hub.lock")
	if err := os.WriteFile(other, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(reg)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	_ = os.Remove(other)
	if err := w.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	// A second Close must not block or panic.
	_ = w.Close()
}
