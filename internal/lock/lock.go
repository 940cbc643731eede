// Package lock implements the broker's singleton workspace lock (spec.md
// §4.1). Grounded on the teacher's acquirePIDLock in internal/daemon/daemon.go,
// generalized with a background heartbeat and stale-owner takeover since a
// bare PID file cannot tell "owner still alive" from "owner wedged".
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeartbeatInterval is how often the lock holder refreshes its mtime.
const HeartbeatInterval = 10 * time.Second

// StaleAfter is how long since the last heartbeat before a lock is
// considered abandoned and eligible for takeover.
const StaleAfter = 30 * time.Second

// ErrHeld is returned by Acquire when another live process holds the lock.
type ErrHeld struct {
	OwnerPID int
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("workspace lock held by pid %d", e.OwnerPID)
}

// Lock represents a held singleton lock for one workspace. The zero value
// is not usable; obtain one via Acquire.
type Lock struct {
	path   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire attempts to take the singleton lock at path, which is typically
// layout.Layout.LockFile(workspaceID). If the lock file names a PID that is
// still alive and has heartbeat within StaleAfter, Acquire returns *ErrHeld.
// A stale lock (owner dead, or heartbeat older than StaleAfter) is taken
// over. On success, a background goroutine refreshes the lock's mtime every
// HeartbeatInterval until Release is called.
func Acquire(path string) (*Lock, error) {
	for {
		if err := tryCreate(path); err == nil {
			break
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		owner, stale, err := inspect(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // raced with a concurrent Release; retry create
			}
			return nil, fmt.Errorf("inspect lock file: %w", err)
		}
		if !stale {
			return nil, &ErrHeld{OwnerPID: owner}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		// loop and retry the create
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{path: path, cancel: cancel, done: make(chan struct{})}
	go l.heartbeatLoop(ctx)
	return l, nil
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// inspect reads the PID recorded in the lock file and reports whether its
// owner is stale: either the process is gone, or the file's mtime is older
// than StaleAfter.
func inspect(path string) (ownerPID int, stale bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil {
		return 0, true, nil // unreadable owner, treat as stale
	}
	if !pidAlive(pid) {
		return pid, true, nil
	}
	if time.Since(info.ModTime()) > StaleAfter {
		return pid, true, nil
	}
	return pid, false, nil
}

func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func (l *Lock) heartbeatLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

// Release stops the heartbeat and removes the lock file. Idempotent: a
// second call returns nil without effect.
func (l *Lock) Release() error {
	if l == nil || l.cancel == nil {
		return nil
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
