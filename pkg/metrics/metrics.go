package metrics

import (
	"sync/atomic"

	"github.com/mhoffm/backupd/pkg/plog"
)

// Metrics defines the interface for collecting statistics over one backup run.
type Metrics interface {
	AddFilesCopied(n int64)
	AddFilesSkipped(n int64)
	AddFilesExcluded(n int64)
	AddDirsCreated(n int64)
	AddBytesWritten(n int64)
	AddEntriesDeleted(n int64)
	Log()
}

// RunMetrics holds the atomic counters for one backup run. It is the concrete
// implementation of the Metrics interface.
type RunMetrics struct {
	FilesCopied    atomic.Int64
	FilesSkipped   atomic.Int64
	FilesExcluded  atomic.Int64
	DirsCreated    atomic.Int64
	BytesWritten   atomic.Int64
	EntriesDeleted atomic.Int64
}

func (m *RunMetrics) AddFilesCopied(n int64)    { m.FilesCopied.Add(n) }
func (m *RunMetrics) AddFilesSkipped(n int64)   { m.FilesSkipped.Add(n) }
func (m *RunMetrics) AddFilesExcluded(n int64)  { m.FilesExcluded.Add(n) }
func (m *RunMetrics) AddDirsCreated(n int64)    { m.DirsCreated.Add(n) }
func (m *RunMetrics) AddBytesWritten(n int64)   { m.BytesWritten.Add(n) }
func (m *RunMetrics) AddEntriesDeleted(n int64) { m.EntriesDeleted.Add(n) }

// Log prints a summary of the run.
func (m *RunMetrics) Log() {
	plog.Info("SUM",
		"filesCopied", m.FilesCopied.Load(),
		"filesSkipped", m.FilesSkipped.Load(),
		"filesExcluded", m.FilesExcluded.Load(),
		"dirsCreated", m.DirsCreated.Load(),
		"bytesWritten", m.BytesWritten.Load(),
		"entriesDeleted", m.EntriesDeleted.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no
// operations. It disables metrics collection without changing calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)    {}
func (m *NoopMetrics) AddFilesSkipped(n int64)   {}
func (m *NoopMetrics) AddFilesExcluded(n int64)  {}
func (m *NoopMetrics) AddDirsCreated(n int64)    {}
func (m *NoopMetrics) AddBytesWritten(n int64)   {}
func (m *NoopMetrics) AddEntriesDeleted(n int64) {}
func (m *NoopMetrics) Log()                      {}

// Statically assert that our types implement the interface.
var _ Metrics = (*RunMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
