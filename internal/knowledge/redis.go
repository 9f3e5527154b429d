package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisIndex stores each entry as a JSON string and indexes it in sorted
// sets scored by creation time: one overall, one per topic, one per agent.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex connects lazily to the server in opts. Every key is
// namespaced under prefix.
func NewRedisIndex(opts *redis.Options, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "impromptu"
	}
	return &RedisIndex{client: redis.NewClient(opts), prefix: prefix}
}

func (r *RedisIndex) entryKey(id string) string    { return r.prefix + ":knowledge:entry:" + id }
func (r *RedisIndex) allKey() string               { return r.prefix + ":knowledge:all" }
func (r *RedisIndex) topicKey(topic string) string { return r.prefix + ":knowledge:topic:" + topic }
func (r *RedisIndex) agentKey(agent string) string { return r.prefix + ":knowledge:agent:" + agent }

// Put writes the entry and its index memberships in one transaction.
func (r *RedisIndex) Put(ctx context.Context, e Entry) (string, error) {
	e, err := prepare(e)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal entry: %w", err)
	}
	member := redis.Z{Score: float64(e.CreatedAt.UnixNano()), Member: e.ID}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(e.ID), data, 0)
	pipe.ZAdd(ctx, r.allKey(), member)
	pipe.ZAdd(ctx, r.topicKey(e.Topic), member)
	if e.SourceAgentID != "" {
		pipe.ZAdd(ctx, r.agentKey(e.SourceAgentID), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("knowledge: redis put: %w", err)
	}
	return e.ID, nil
}

// Query reads the narrowest sorted set for q and filters the rest in memory.
func (r *RedisIndex) Query(ctx context.Context, q Query) ([]Entry, error) {
	key := r.allKey()
	switch {
	case q.Topic != "":
		key = r.topicKey(q.Topic)
	case q.AgentID != "":
		key = r.agentKey(q.AgentID)
	}

	ids, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("knowledge: redis range: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("knowledge: redis fetch: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		if q.matches(e) {
			entries = append(entries, e)
		}
	}
	return q.finish(entries), nil
}

// Ping checks connectivity.
func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
