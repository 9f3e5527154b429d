package listener

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/impromptu/internal/channel"
	"github.com/Iron-Ham/impromptu/internal/errors"
	"github.com/Iron-Ham/impromptu/internal/event"
)

// collector is a Sink that records every event.
type collector struct {
	mu     sync.Mutex
	events []event.RawEvent
	ch     chan event.RawEvent
}

func newCollector() *collector {
	return &collector{ch: make(chan event.RawEvent, 256)}
}

func (c *collector) Ingest(raw event.RawEvent) {
	c.mu.Lock()
	c.events = append(c.events, raw)
	c.mu.Unlock()
	c.ch <- raw
}

func (c *collector) next(t *testing.T) event.RawEvent {
	t.Helper()
	select {
	case raw := <-c.ch:
		return raw
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
		return event.RawEvent{}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func endpoint(t *testing.T, agentID string) channel.Endpoint {
	t.Helper()
	dir, err := os.MkdirTemp("", "impl")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return channel.Endpoint{AgentID: agentID, Path: filepath.Join(dir, agentID+".sock"), State: channel.StatePending}
}

func bind(t *testing.T, ep channel.Endpoint, sink Sink, opts ...Option) *Listener {
	t.Helper()
	l, err := Bind(ep, sink, opts...)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func send(t *testing.T, path string, payload []byte) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = conn.Write(payload)
	_ = conn.Close()
}

func TestBind_DeliversOneEventPerConnection(t *testing.T) {
	ep := endpoint(t, "a1")
	c := newCollector()
	l := bind(t, ep, c)

	send(t, ep.Path, []byte(`{"hook_event_name":"SessionStart"}`))
	raw := c.next(t)

	if raw.AgentID != "a1" {
		t.Errorf("AgentID = %q, want a1", raw.AgentID)
	}
	if string(raw.Payload) != `{"hook_event_name":"SessionStart"}` {
		t.Errorf("Payload = %q", raw.Payload)
	}
	if raw.Truncated {
		t.Error("Truncated = true for a small payload")
	}
	if raw.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}

	info, err := os.Stat(ep.Path)
	if err != nil {
		t.Fatalf("socket missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("socket mode = %v, want 0600", info.Mode().Perm())
	}
	// Close waits for handlers, so the counters are final afterwards.
	_ = l.Close()
	if s := l.Stats(); s.Accepted != 1 || s.Delivered != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestBind_TruncatesOversizedPayload(t *testing.T) {
	ep := endpoint(t, "big")
	c := newCollector()
	l := bind(t, ep, c, WithMaxPayload(4096))

	payload := []byte(strings.Repeat("x", 8192))
	conn, err := net.Dial("unix", ep.Path)
	if err != nil {
		t.Fatal(err)
	}
	// The listener may close early; the write error is expected and ignored.
	_, _ = conn.Write(payload)
	_ = conn.Close()

	raw := c.next(t)
	if !raw.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(raw.Payload) != 4096 {
		t.Errorf("len(Payload) = %d, want 4096", len(raw.Payload))
	}

	// Exactly one event, and the listener still serves.
	send(t, ep.Path, []byte("next"))
	if got := c.next(t); string(got.Payload) != "next" {
		t.Errorf("follow-up payload = %q", got.Payload)
	}
	if c.count() != 2 {
		t.Errorf("delivered %d events, want 2", c.count())
	}
	if s := l.Stats(); s.Truncated != 1 {
		t.Errorf("Stats().Truncated = %d, want 1", s.Truncated)
	}
}

func TestBind_EmptyConnectionYieldsNoEvent(t *testing.T) {
	ep := endpoint(t, "a1")
	c := newCollector()
	l := bind(t, ep, c, WithReadTimeout(50*time.Millisecond))

	conn, err := net.Dial("unix", ep.Path)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	silent, err := net.Dial("unix", ep.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	deadline := time.Now().Add(3 * time.Second)
	for l.Stats().Empty < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s := l.Stats(); s.Empty != 2 || s.Delivered != 0 {
		t.Errorf("Stats() = %+v, want 2 empty and 0 delivered", s)
	}
	if c.count() != 0 {
		t.Errorf("delivered %d events, want 0", c.count())
	}
}

func TestBind_PartialPayloadBeforeDeadline(t *testing.T) {
	ep := endpoint(t, "slow")
	c := newCollector()
	bind(t, ep, c, WithReadTimeout(100*time.Millisecond))

	conn, err := net.Dial("unix", ep.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(`{"hook_event_name":`))

	raw := c.next(t)
	if string(raw.Payload) != `{"hook_event_name":` {
		t.Errorf("Payload = %q", raw.Payload)
	}
}

func TestBind_LiveEndpointFails(t *testing.T) {
	ep := endpoint(t, "a1")
	bind(t, ep, newCollector())

	_, err := Bind(ep, newCollector(), WithStaleRemoval(true))
	if !errors.Is(err, errors.ErrEndpointBindFailure) {
		t.Fatalf("second Bind error = %v, want ErrEndpointBindFailure", err)
	}
	var chErr *errors.ChannelError
	if !errors.As(err, &chErr) || chErr.AgentID != "a1" {
		t.Errorf("error = %v, want ChannelError for a1", err)
	}
}

func TestBind_StaleSocket(t *testing.T) {
	ep := endpoint(t, "a1")
	dead, err := net.Listen("unix", ep.Path)
	if err != nil {
		t.Fatal(err)
	}
	dead.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = dead.Close()

	if _, err := Bind(ep, newCollector()); !errors.Is(err, errors.ErrEndpointBindFailure) {
		t.Fatalf("Bind without removal error = %v, want ErrEndpointBindFailure", err)
	}

	c := newCollector()
	bind(t, ep, c, WithStaleRemoval(true))
	send(t, ep.Path, []byte("hello"))
	if raw := c.next(t); string(raw.Payload) != "hello" {
		t.Errorf("Payload = %q", raw.Payload)
	}
}

func TestBind_NonSocketFileFails(t *testing.T) {
	ep := endpoint(t, "a1")
	if err := os.WriteFile(ep.Path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Bind(ep, newCollector(), WithStaleRemoval(true)); !errors.Is(err, errors.ErrEndpointBindFailure) {
		t.Fatalf("Bind error = %v, want ErrEndpointBindFailure", err)
	}
	if _, err := os.Stat(ep.Path); err != nil {
		t.Error("regular file was removed")
	}
}

func TestClose_RemovesSocketAndRefusesDials(t *testing.T) {
	ep := endpoint(t, "a1")
	l, err := Bind(ep, newCollector())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if _, err := os.Lstat(ep.Path); !os.IsNotExist(err) {
		t.Errorf("socket file still present: %v", err)
	}
	if conn, err := net.DialTimeout("unix", ep.Path, 100*time.Millisecond); err == nil {
		_ = conn.Close()
		t.Error("dial succeeded after Close")
	}
}

func TestClose_WaitsForInFlightHandlers(t *testing.T) {
	ep := endpoint(t, "a1")
	release := make(chan struct{})
	started := make(chan struct{})
	var delivered sync.WaitGroup
	delivered.Add(1)
	sink := SinkFunc(func(event.RawEvent) {
		close(started)
		<-release
		delivered.Done()
	})
	l, err := Bind(ep, sink)
	if err != nil {
		t.Fatal(err)
	}

	send(t, ep.Path, []byte("x"))
	<-started

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed
	delivered.Wait()
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	ep := endpoint(t, "a1")
	var mu sync.Mutex
	calls := 0
	got := make(chan string, 1)
	sink := SinkFunc(func(raw event.RawEvent) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("boom")
		}
		got <- string(raw.Payload)
	})
	l := bind(t, ep, sink)

	send(t, ep.Path, []byte("first"))
	deadline := time.Now().Add(3 * time.Second)
	for l.Stats().Panics == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	send(t, ep.Path, []byte("second"))
	select {
	case payload := <-got:
		if payload != "second" {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listener stopped serving after a handler panic")
	}
	if l.Stats().Panics != 1 {
		t.Errorf("Stats().Panics = %d, want 1", l.Stats().Panics)
	}
}

func TestConcurrentSenders(t *testing.T) {
	ep := endpoint(t, "a1")
	c := newCollector()
	l := bind(t, ep, c)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("unix", ep.Path)
			if err != nil {
				t.Errorf("dial %d: %v", i, err)
				return
			}
			_, _ = conn.Write([]byte("event"))
			_ = conn.Close()
		}()
	}
	wg.Wait()

	for range n {
		c.next(t)
	}
	_ = l.Close()
	if s := l.Stats(); s.Delivered != n || s.Accepted != n {
		t.Errorf("Stats() = %+v, want %d accepted and delivered", s, n)
	}
}

func TestSilentConnectionDoesNotDelayOthers(t *testing.T) {
	ep := endpoint(t, "a1")
	c := newCollector()
	l := bind(t, ep, c, WithReadTimeout(5*time.Second))

	silent, err := net.Dial("unix", ep.Path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer silent.Close()
	waitAccepted(t, l, 1)

	start := time.Now()
	send(t, ep.Path, []byte(`{"hook_event_name":"Stop"}`))
	raw := c.next(t)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("event took %v behind a silent connection", elapsed)
	}
	if string(raw.Payload) != `{"hook_event_name":"Stop"}` {
		t.Errorf("payload = %q", raw.Payload)
	}

	// Hanging up before the deadline counts as an empty connection.
	_ = silent.Close()
	waitStat(t, "empty connection", func() bool { return l.Stats().Empty == 1 })
}

func waitAccepted(t *testing.T, l *Listener, n uint64) {
	t.Helper()
	waitStat(t, "accept", func() bool { return l.Stats().Accepted >= n })
}

func waitStat(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
