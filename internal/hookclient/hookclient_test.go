package hookclient

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "imphc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// serveOnce accepts one connection on dir/id.sock and returns what was sent.
func serveOnce(t *testing.T, dir, id string) <-chan []byte {
	t.Helper()
	ln, err := net.Listen("unix", filepath.Join(dir, id+".sock"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	got := make(chan []byte, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			got <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		got <- data
	}()
	return got
}

func TestDeliver(t *testing.T) {
	dir := shortDir(t)
	got := serveOnce(t, dir, "a1")

	c := New(dir, 0)
	payload := []byte(`{"hook_event_name":"SessionStart"}`)
	if err := c.Deliver(context.Background(), "a1", payload); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	select {
	case data := <-got:
		if string(data) != string(payload) {
			t.Errorf("received %q, want %q", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never received payload")
	}
}

func TestDeliver_NoListener(t *testing.T) {
	c := New(shortDir(t), 50*time.Millisecond)

	start := time.Now()
	if err := c.Deliver(context.Background(), "missing", []byte("{}")); err == nil {
		t.Fatal("Deliver() to missing channel should fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Deliver() took %v, want fast failure", elapsed)
	}
}

func TestDeliver_InvalidAgentID(t *testing.T) {
	c := New(shortDir(t), 0)
	for _, id := range []string{"", "../etc", "a/b"} {
		if err := c.Deliver(context.Background(), id, []byte("{}")); err == nil {
			t.Errorf("Deliver(%q) should fail", id)
		}
	}
}

func TestDeliverFrom_Limit(t *testing.T) {
	dir := shortDir(t)
	got := serveOnce(t, dir, "a1")

	c := New(dir, time.Second)
	if err := c.DeliverFrom(context.Background(), "a1", strings.NewReader(strings.Repeat("x", 100)), 10); err != nil {
		t.Fatalf("DeliverFrom() error = %v", err)
	}
	select {
	case data := <-got:
		// One byte past the limit lets the hub see the payload as truncated.
		if len(data) != 11 {
			t.Errorf("received %d bytes, want 11", len(data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never received payload")
	}
}

func TestAgentIDFromEnv(t *testing.T) {
	t.Setenv(EnvAgentID, "")
	if _, ok := AgentIDFromEnv(); ok {
		t.Error("AgentIDFromEnv() ok with empty env")
	}
	t.Setenv(EnvAgentID, "a1")
	if id, ok := AgentIDFromEnv(); !ok || id != "a1" {
		t.Errorf("AgentIDFromEnv() = %q, %v", id, ok)
	}
}
