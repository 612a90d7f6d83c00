// Package lockfile guards the target directory against concurrent daemon
// instances. The lock is a JSON file created with O_EXCL; a leftover lock
// from a dead process on the same host is taken over automatically.
package lockfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mhoffm/backupd/pkg/plog"
	"github.com/mhoffm/backupd/pkg/util"
)

// LockFileName is the name of the lock file created in the target directory.
const LockFileName = "backupd.lock"

// LockContent is the data written to the lock file.
type LockContent struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// ErrLockActive is returned when the lock is held by a live process.
type ErrLockActive struct {
	PID      int
	Hostname string
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host %q", e.PID, e.Hostname)
}

// Lock represents an acquired lock file.
type Lock struct {
	path string
	mu   sync.Mutex
	held bool
}

// Acquire attempts to create the lock file in dirPath. It returns
// (*ErrLockActive wrapped) when another live process holds the lock. A lock
// left behind by a dead process on this host, or a corrupt lock file, is
// removed and re-acquired.
func Acquire(dirPath string) (*Lock, error) {
	absPath := filepath.Join(dirPath, LockFileName)

	// Two attempts: the second one runs after a stale lock was removed.
	for attempt := 0; attempt < 2; attempt++ {
		lock, err := tryAcquire(absPath)
		if err == nil {
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("could not create lock file: %w", err)
		}

		content, readErr := readLockContent(absPath)
		if readErr == nil && !isStale(content) {
			return nil, &ErrLockActive{PID: content.PID, Hostname: content.Hostname}
		}
		if readErr != nil {
			plog.Warn("Found corrupt lock file, removing", "path", absPath, "error", readErr)
		} else {
			plog.Warn("Found stale lock from dead process, removing", "path", absPath, "pid", content.PID)
		}
		if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("could not remove stale lock file: %w", err)
		}
	}

	return nil, fmt.Errorf("could not acquire lock at %q (contention)", absPath)
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.held = false

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

// tryAcquire creates the lock file atomically with O_EXCL.
func tryAcquire(absPath string) (*Lock, error) {
	f, err := os.OpenFile(absPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	content := LockContent{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		os.Remove(absPath)
		return nil, fmt.Errorf("could not marshal lock content: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(absPath)
		return nil, fmt.Errorf("could not write lock content: %w", err)
	}

	return &Lock{path: absPath, held: true}, nil
}

// isStale reports whether the lock belongs to a process that no longer
// exists on this host. Locks from other hosts are never considered stale.
func isStale(content LockContent) bool {
	hostname, err := os.Hostname()
	if err != nil || hostname != content.Hostname {
		return false
	}
	return !processAlive(content.PID)
}

func readLockContent(absPath string) (LockContent, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return LockContent{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return LockContent{}, err
	}
	if len(data) == 0 {
		return LockContent{}, fmt.Errorf("lock file is empty")
	}

	var content LockContent
	if err := json.Unmarshal(data, &content); err != nil {
		return LockContent{}, fmt.Errorf("lock file is corrupt: %w", err)
	}
	return content, nil
}
