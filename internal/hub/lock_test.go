package hub

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/impromptu/internal/errors"
)

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", lock.PID, os.Getpid())
	}

	if _, err := AcquireLock(dir, nil); !errors.Is(err, errors.ErrHubLocked) {
		t.Errorf("second AcquireLock() error = %v, want ErrHubLocked", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, locked := IsLocked(dir); locked {
		t.Error("IsLocked() after Release = true")
	}
}

func TestRelease_LeavesForeignLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, []byte(`{"pid":1,"hostname":"other"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("foreign lock removed: %v", err)
	}
}

func TestReadLock_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	if err := os.WriteFile(path, []byte("nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLock(path); err == nil {
		t.Error("ReadLock() on malformed file should fail")
	}
}

func TestAcquireLock_RefusesLockBeingWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	// A peer that has created the file but not yet written its body.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if lock, err := AcquireLock(dir, nil); !errors.Is(err, errors.ErrHubLocked) {
		_ = lock.Release()
		t.Fatalf("AcquireLock() error = %v, want ErrHubLocked", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("peer lock file removed: %v", err)
	}
}

func TestAcquireLock_ReclaimsOldUnreadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir, nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", lock.PID, os.Getpid())
	}
	_ = lock.Release()
}
