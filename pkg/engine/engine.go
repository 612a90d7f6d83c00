// Package engine orchestrates a single backup run: preflight checks, the
// staged snapshot copy, optional compression, the retention pass and the
// final notification. Scheduling lives outside the engine; every call to
// Execute performs exactly one run.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mhoffm/backupd/pkg/archive"
	"github.com/mhoffm/backupd/pkg/config"
	"github.com/mhoffm/backupd/pkg/entry"
	"github.com/mhoffm/backupd/pkg/metafile"
	"github.com/mhoffm/backupd/pkg/metrics"
	"github.com/mhoffm/backupd/pkg/notify"
	"github.com/mhoffm/backupd/pkg/plog"
	"github.com/mhoffm/backupd/pkg/preflight"
	"github.com/mhoffm/backupd/pkg/retention"
	"github.com/mhoffm/backupd/pkg/snapshot"
)

// Stage names reported on failure.
const (
	StagePreflight = "preflight"
	StageCopy      = "copy"
	StageCompress  = "compress"
)

// Snapshotter produces a consistent point-in-time copy of the source at
// destPath.
type Snapshotter interface {
	Copy(ctx context.Context, destPath string, meta metafile.Content) error
}

// Archiver compresses a finished snapshot directory into a single archive
// file next to it.
type Archiver interface {
	Compress(ctx context.Context, dirPath string) (string, error)
}

// Pruner deletes the oldest entries beyond the retention limit.
type Pruner interface {
	Prune(ctx context.Context, targetRoot string, keep int) ([]string, error)
}

// RunResult describes the outcome of one backup run.
type RunResult struct {
	EntryName   string
	Compressed  bool
	StartTime   time.Time
	Duration    time.Duration
	Deleted     []string
	FailedStage string
	Err         error
}

// Success reports whether the run produced a backup entry. A failed
// compression or retention pass still counts as success because the
// uncompressed snapshot remains a valid entry.
func (r RunResult) Success() bool {
	return r.Err == nil
}

// Engine ties the backup components together for repeated runs over one
// configuration.
type Engine struct {
	cfg      config.Config
	notifier notify.Notifier
	hostname string

	// Per-run components are built fresh in Execute so every run gets its
	// own metric counters. Tests pre-set these fields to inject failures.
	snapshotter Snapshotter
	archiver    Archiver
	pruner      Pruner
}

// New creates an engine for the given configuration. A nil notifier disables
// notifications.
func New(cfg config.Config, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Engine{
		cfg:      cfg,
		notifier: notifier,
		hostname: hostname,
	}
}

// Execute performs one backup run with the given timestamp. The timestamp
// determines the entry name, so callers pass the scheduled time rather than
// calling time.Now themselves.
func (e *Engine) Execute(ctx context.Context, now time.Time) RunResult {
	start := time.Now()
	result := RunResult{StartTime: start}

	plog.Notice("RUN", "source", e.cfg.Source, "target", e.cfg.TargetRoot)

	m := &metrics.RunMetrics{}
	result.Err = e.run(ctx, now, m, &result)
	result.Duration = time.Since(start)

	if result.Err == nil {
		m.Log()
		plog.Notice("Backup run completed",
			"entry", result.EntryName,
			"compressed", result.Compressed,
			"duration", result.Duration.Round(time.Millisecond),
		)
	} else {
		plog.Error("Backup run failed",
			"stage", result.FailedStage,
			"error", result.Err,
		)
	}

	e.sendNotification(ctx, result, m)
	return result
}

func (e *Engine) run(ctx context.Context, now time.Time, m metrics.Metrics, result *RunResult) error {
	if err := preflight.Check(e.cfg.Source, e.cfg.TargetRoot, e.cfg.MinFreeSpaceMB); err != nil {
		result.FailedStage = StagePreflight
		return err
	}

	baseName, err := entry.NextName(e.cfg.TargetRoot, e.cfg.EntryPrefix, now)
	if err != nil {
		result.FailedStage = StagePreflight
		return err
	}

	snapshotter, archiver, pruner, err := e.components(m)
	if err != nil {
		result.FailedStage = StagePreflight
		return err
	}

	compress := archiver != nil
	format := ""
	if compress {
		format = e.cfg.Compression.Format
	}
	meta := metafile.New(e.cfg.Source, now, compress, format)

	destPath := filepath.Join(e.cfg.TargetRoot, baseName)
	if err := snapshotter.Copy(ctx, destPath, meta); err != nil {
		result.FailedStage = StageCopy
		return fmt.Errorf("could not create snapshot: %w", err)
	}
	result.EntryName = baseName

	if compress {
		archivePath, err := archiver.Compress(ctx, destPath)
		if err != nil {
			// The snapshot directory itself is a complete backup, so a
			// failed compression degrades the run instead of failing it.
			plog.Warn("Compression failed, keeping the uncompressed snapshot",
				"entry", baseName,
				"error", err,
			)
		} else {
			result.EntryName = filepath.Base(archivePath)
			result.Compressed = true
		}
	}

	deleted, err := pruner.Prune(ctx, e.cfg.TargetRoot, e.cfg.Retention.RunsToKeep)
	if err != nil {
		// The new entry is already in place, retention gets another
		// chance on the next run.
		plog.Warn("Retention pass failed", "error", err)
	}
	result.Deleted = deleted

	return nil
}

// components returns the stage implementations for one run, building the
// real ones unless a test injected substitutes. The archiver is nil when
// compression is disabled.
func (e *Engine) components(m metrics.Metrics) (Snapshotter, Archiver, Pruner, error) {
	snapshotter := e.snapshotter
	if snapshotter == nil {
		snapshotter = snapshot.New(
			e.cfg.Source,
			e.cfg.EffectiveIgnorePatterns(),
			e.cfg.Performance.CopyWorkers,
			e.cfg.Performance.BufferSizeKB,
			m,
		)
	}

	archiver := e.archiver
	if archiver == nil && e.cfg.Compression.Enabled {
		format, err := archive.ParseFormat(e.cfg.Compression.Format)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("could not parse compression format: %w", err)
		}
		level, err := archive.ParseLevel(e.cfg.Compression.Level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("could not parse compression level: %w", err)
		}
		archiver = archive.New(
			format,
			level,
			e.cfg.Ownership.UID,
			e.cfg.Ownership.GID,
			e.cfg.Performance.BufferSizeKB,
			m,
		)
	}

	pruner := e.pruner
	if pruner == nil {
		pruner = retention.New(e.cfg.EntryPrefix, e.cfg.Performance.DeleteWorkers, m)
	}

	return snapshotter, archiver, pruner, nil
}

func (e *Engine) sendNotification(ctx context.Context, result RunResult, m *metrics.RunMetrics) {
	report := notify.RunReport{
		Success:       result.Err == nil,
		Host:          e.hostname,
		Source:        e.cfg.Source,
		EntryName:     result.EntryName,
		StartTime:     result.StartTime,
		Duration:      result.Duration,
		FilesCopied:   m.FilesCopied.Load(),
		FilesSkipped:  m.FilesSkipped.Load(),
		BytesWritten:  m.BytesWritten.Load(),
		EntriesPruned: len(result.Deleted),
		FailedStage:   result.FailedStage,
	}
	if result.Err != nil {
		report.ErrorMessage = result.Err.Error()
	}

	if err := e.notifier.NotifyRunFinished(ctx, report); err != nil {
		plog.Warn("Could not deliver run notification", "error", err)
	}
}
