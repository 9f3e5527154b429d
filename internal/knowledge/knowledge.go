// Package knowledge is the hub's boundary to the shared knowledge base:
// pointers to transcripts and notable notifications, keyed by topic and
// by the agent that produced them.
//
// Three backends implement Index: an append-only JSONL file (the default),
// redis, and sqlite. The hub only depends on the interface.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Iron-Ham/impromptu/internal/config"
)

// Topics recorded by the router.
const (
	TopicTranscript   = "transcript"
	TopicNotification = "notification"
)

// Entry is one knowledge record. ContentRef is a pointer (path, URL) or a
// short inline text; the index never stores large content itself.
type Entry struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	SourceAgentID string    `json:"source_agent_id,omitempty"`
	ContentRef    string    `json:"content_ref"`
	CreatedAt     time.Time `json:"created_at"`
}

// Query selects entries. Empty fields match everything; Limit > 0 keeps
// only the most recent Limit matches.
type Query struct {
	Topic   string
	AgentID string
	Limit   int
}

// Index stores and queries knowledge entries. Implementations are safe for
// concurrent use.
type Index interface {
	// Put stores e and returns its ID, generating one when e.ID is empty.
	Put(ctx context.Context, e Entry) (string, error)
	// Query returns matching entries ordered by CreatedAt, oldest first.
	Query(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// prepare validates e and fills in ID and CreatedAt.
func prepare(e Entry) (Entry, error) {
	if e.Topic == "" {
		return e, fmt.Errorf("knowledge: entry topic is required")
	}
	if e.ContentRef == "" {
		return e, fmt.Errorf("knowledge: entry content_ref is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (q Query) matches(e Entry) bool {
	return (q.Topic == "" || e.Topic == q.Topic) && (q.AgentID == "" || e.SourceAgentID == q.AgentID)
}

// finish orders entries oldest first and applies the limit.
func (q Query) finish(entries []Entry) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[len(entries)-q.Limit:]
	}
	return entries
}

// redisPingTimeout bounds the reachability check Open runs for redis.
const redisPingTimeout = 2 * time.Second

// Open returns the Index selected by cfg. stateDir anchors default file paths.
func Open(cfg config.KnowledgeConfig, stateDir string) (Index, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileIndex(cfg.ResolvePath(stateDir)), nil
	case config.BackendSQLite:
		return NewSQLiteIndex(cfg.ResolvePath(stateDir))
	case config.BackendRedis:
		idx := NewRedisIndex(&redis.Options{Addr: cfg.RedisAddr}, cfg.RedisPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := idx.Ping(ctx); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("knowledge: redis at %s: %w", cfg.RedisAddr, err)
		}
		return idx, nil
	case config.BackendNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("knowledge: unknown backend %q", cfg.Backend)
	}
}

// Nop discards writes and returns no entries.
type Nop struct{}

func (Nop) Put(_ context.Context, e Entry) (string, error) {
	e, err := prepare(e)
	return e.ID, err
}

func (Nop) Query(context.Context, Query) ([]Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }
