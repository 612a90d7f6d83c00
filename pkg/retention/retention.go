// Package retention enforces the backup entry count limit. Ordering is
// derived purely from the timestamps encoded in entry names; filesystem
// mtimes are never consulted because copy operations disturb them.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/mhoffm/backupd/pkg/entry"
	"github.com/mhoffm/backupd/pkg/metrics"
	"github.com/mhoffm/backupd/pkg/plog"
)

// Manager deletes the oldest backup entries once the count exceeds the
// configured limit.
type Manager struct {
	entryPrefix string
	numWorkers  int
	metrics     metrics.Metrics
}

// New creates a retention Manager for entries with the given name prefix.
func New(entryPrefix string, numWorkers int, m metrics.Metrics) *Manager {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Manager{
		entryPrefix: entryPrefix,
		numWorkers:  numWorkers,
		metrics:     m,
	}
}

// task holds the mutable state for a single pruning pass.
type task struct {
	*Manager

	ctx        context.Context
	targetRoot string

	deleteTasksChan chan entry.Entry
	deleteWg        sync.WaitGroup

	mu      sync.Mutex
	deleted []string
}

// Prune scans targetRoot and deletes the oldest entries until at most keep
// remain. It returns the names of the entries it deleted. Deletion failures
// are logged and do not block the remaining deletions.
func (m *Manager) Prune(ctx context.Context, targetRoot string, keep int) ([]string, error) {
	entries, err := entry.Scan(targetRoot, m.entryPrefix)
	if err != nil {
		return nil, err
	}

	if keep < 1 {
		keep = 1
	}
	if len(entries) <= keep {
		plog.Debug("No backup entries need deletion", "count", len(entries), "keep", keep)
		return nil, nil
	}

	// Scan returns oldest first; everything before the keep boundary goes.
	toDelete := entries[:len(entries)-keep]
	plog.Info("Deleting outdated backup entries", "count", len(toDelete), "keep", keep)

	t := &task{
		Manager:         m,
		ctx:             ctx,
		targetRoot:      targetRoot,
		deleteTasksChan: make(chan entry.Entry),
	}

	for range t.numWorkers {
		t.deleteWg.Add(1)
		go t.deleteWorker()
	}
	go t.deleteTaskProducer(toDelete)

	t.deleteWg.Wait()

	return t.deleted, nil
}

// deleteTaskProducer feeds the eligible entries into the channel for workers.
func (t *task) deleteTaskProducer(eligible []entry.Entry) {
	defer close(t.deleteTasksChan)
	for _, e := range eligible {
		select {
		case <-t.ctx.Done():
			plog.Debug("Cancellation received, stopping retention job feeding")
			return
		case t.deleteTasksChan <- e:
		}
	}
}

// deleteWorker consumes tasks from the channel and deletes the entries.
func (t *task) deleteWorker() {
	defer t.deleteWg.Done()
	for e := range t.deleteTasksChan {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		plog.Notice("DELETE", "entry", e.Name)
		absPath := filepath.Join(t.targetRoot, e.Name)
		if err := os.RemoveAll(absPath); err != nil {
			plog.Warn("Failed to delete outdated backup entry", "entry", e.Name, "error", err)
			continue
		}
		t.metrics.AddEntriesDeleted(1)

		t.mu.Lock()
		t.deleted = append(t.deleted, e.Name)
		t.mu.Unlock()
	}
}
