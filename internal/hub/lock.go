package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/impromptu/internal/errors"
	"github.com/Iron-Ham/impromptu/internal/logging"
)

// LockFileName is the name of the lock file within the channel directory.
const LockFileName = "hub.lock"

// unreadableLockGrace is how old an unparseable lock must be before it is
// treated as abandoned.
const unreadableLockGrace = 2 * time.Second

// Lock records the hub process that owns a channel directory.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	lockFile string
	logger   *logging.Logger
}

// AcquireLock takes exclusive ownership of dir for this process. A lock
// left by a dead process is reclaimed. Returns ErrHubLocked if another live
// hub owns the directory. logger may be nil.
func AcquireLock(dir string, logger *logging.Logger) (*Lock, error) {
	lockPath := filepath.Join(dir, LockFileName)

	if existing, err := ReadLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", errors.ErrHubLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		if logger != nil {
			logger.Warn("stale hub lock cleaned", "old_pid", existing.PID)
		}
	} else if !os.IsNotExist(err) {
		// A peer writes its body after creating the file, so a young
		// unreadable lock may still be in flight.
		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) < unreadableLockGrace {
			return nil, fmt.Errorf("%w: lock file is being written", errors.ErrHubLocked)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove unreadable lock: %w", err)
		}
		if logger != nil {
			logger.Warn("unreadable hub lock cleaned", "error", err.Error())
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockFile:  lockPath,
		logger:    logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL settles the race between two hubs starting at once.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(lockPath); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", errors.ErrHubLocked, existing.PID, existing.Hostname)
			}
			return nil, errors.ErrHubLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	if logger != nil {
		logger.Info("hub lock acquired", "pid", lock.PID, "path", lockPath)
	}
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to
// call more than once.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}
	existing, err := ReadLock(l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.lockFile); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Info("hub lock released")
	}
	return nil
}

// ReadLock reads a lock file.
func ReadLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.lockFile = lockPath
	return &lock, nil
}

// IsLocked reports whether a live hub owns dir, returning its lock if any.
func IsLocked(dir string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, isProcessAlive(lock.PID)
}

// isProcessAlive sends signal 0, which checks existence without affecting
// the process.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
