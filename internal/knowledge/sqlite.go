package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex stores entries in a single sqlite table.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (creating if needed) the database at path.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("knowledge: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("knowledge: set busy timeout: %w", err)
	}

	s := &SQLiteIndex{db: db}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("knowledge: create schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteIndex) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			source_agent_id TEXT NOT NULL DEFAULT '',
			content_ref TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_knowledge_topic_created
			ON knowledge(topic, created_at);

		CREATE INDEX IF NOT EXISTS idx_knowledge_agent_created
			ON knowledge(source_agent_id, created_at);
	`)
	return err
}

// Put inserts e. Re-putting an existing ID replaces it.
func (s *SQLiteIndex) Put(ctx context.Context, e Entry) (string, error) {
	e, err := prepare(e)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO knowledge (id, topic, source_agent_id, content_ref, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Topic, e.SourceAgentID, e.ContentRef, e.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("knowledge: insert entry: %w", err)
	}
	return e.ID, nil
}

// Query selects matching rows, newest Limit first, returned oldest first.
func (s *SQLiteIndex) Query(ctx context.Context, q Query) ([]Entry, error) {
	var where []string
	var args []any
	if q.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, q.Topic)
	}
	if q.AgentID != "" {
		where = append(where, "source_agent_id = ?")
		args = append(args, q.AgentID)
	}

	query := "SELECT id, topic, source_agent_id, content_ref, created_at FROM knowledge"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.Topic, &e.SourceAgentID, &e.ContentRef, &created); err != nil {
			return nil, fmt.Errorf("knowledge: scan row: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: iterate rows: %w", err)
	}
	return q.finish(entries), nil
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
