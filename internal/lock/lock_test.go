package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ws.abc123.lock")
}

func TestAcquireRelease(t *testing.T) {
	path := lockPath(t)
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file should exist: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed after Release")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	path := lockPath(t)
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
}

func TestAcquireDeniedWhileHeld(t *testing.T) {
	path := lockPath(t)
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	_, err = Acquire(path)
	if err == nil {
		t.Fatal("expected second Acquire to be denied")
	}
	var held *ErrHeld
	if e, ok := err.(*ErrHeld); ok {
		held = e
	}
	if held == nil {
		t.Fatalf("expected *ErrHeld, got %T: %v", err, err)
	}
	if held.OwnerPID != os.Getpid() {
		t.Errorf("expected owner pid %d, got %d", os.Getpid(), held.OwnerPID)
	}
}

func TestAcquireTakesOverDeadOwner(t *testing.T) {
	path := lockPath(t)
	// Simulate a lock left behind by a process that no longer exists.
	// PID 1 exists in most containers, so pick a PID unlikely to be alive:
	// a very large one outside the typical PID range.
	if err := os.WriteFile(path, []byte(strconv.Itoa(999999)), 0600); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, stale, stale); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("expected takeover of dead-owner lock, got: %v", err)
	}
	defer l.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file should now name our pid, got %q", data)
	}
}

func TestAcquireTakesOverStaleHeartbeat(t *testing.T) {
	path := lockPath(t)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, stale, stale); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("expected takeover of stale-heartbeat lock, got: %v", err)
	}
	l.Release()
}
