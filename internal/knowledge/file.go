package knowledge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileIndex keeps entries in an append-only JSONL file. Each Put is one
// O_APPEND write; queries scan the whole file.
type FileIndex struct {
	path string
	mu   sync.Mutex
}

// NewFileIndex creates an index at path. The file and its directory are
// created lazily on first write.
func NewFileIndex(path string) *FileIndex {
	return &FileIndex{path: path}
}

// Put appends e to the file.
func (f *FileIndex) Put(ctx context.Context, e Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e, err := prepare(e)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal entry: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return "", fmt.Errorf("knowledge: create directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("knowledge: open index: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("knowledge: write entry: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("knowledge: close index: %w", err)
	}
	return e.ID, nil
}

// Query scans the file. A missing file yields no entries; malformed lines
// are skipped.
func (f *FileIndex) Query(ctx context.Context, q Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("knowledge: open index: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if q.matches(e) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: scan index: %w", err)
	}
	return q.finish(entries), nil
}

// Close is a no-op; the file is opened per operation.
func (f *FileIndex) Close() error { return nil }

// Path returns the backing file path.
func (f *FileIndex) Path() string { return f.path }
