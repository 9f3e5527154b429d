package agentstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Iron-Ham/impromptu/internal/errors"
)

// FileStore keeps one JSON snapshot per agent in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir. The directory is created on
// the first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory holding the snapshots.
func (fs *FileStore) Dir() string { return fs.dir }

// path maps agentID to its file, refusing ids that would leave the directory.
func (fs *FileStore) path(agentID string) (string, error) {
	if agentID == "" || agentID == "." || agentID == ".." || filepath.Base(agentID) != agentID {
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidAgentID, agentID)
	}
	return filepath.Join(fs.dir, agentID+".json"), nil
}

// Save writes snap, replacing any earlier snapshot of the agent atomically.
func (fs *FileStore) Save(snap Snapshot) error {
	path, err := fs.path(snap.AgentID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode agent state: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.MkdirAll(fs.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return atomicWriteFile(path, data, 0o600)
}

// Load returns the agent's snapshot. The bool is false when none was saved.
func (fs *FileStore) Load(agentID string) (Snapshot, bool, error) {
	path, err := fs.path(agentID)
	if err != nil {
		return Snapshot{}, false, err
	}
	fs.mu.Lock()
	data, err := os.ReadFile(path)
	fs.mu.Unlock()
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read agent state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode agent state: %w", err)
	}
	snap.AgentID = agentID
	return snap, true, nil
}

// Delete removes the agent's snapshot. A missing snapshot is not an error.
func (fs *FileStore) Delete(agentID string) error {
	path, err := fs.path(agentID)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete agent state: %w", err)
	}
	return nil
}

// atomicWriteFile writes through a temp file in the same directory so
// readers never see a partial snapshot.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	ok = true
	return nil
}
