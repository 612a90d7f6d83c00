// Package notify delivers run reports to external channels. The daemon works
// fine without a notifier; the Noop implementation is used when none is
// configured.
package notify

import (
	"context"
	"time"
)

// RunReport summarizes one finished backup run for notification purposes.
type RunReport struct {
	Success   bool
	Host      string
	Source    string
	EntryName string
	StartTime time.Time
	Duration  time.Duration

	FilesCopied  int64
	FilesSkipped int64
	BytesWritten int64
	EntriesPruned int

	FailedStage  string
	ErrorMessage string
}

// Notifier delivers a run report. Implementations must treat delivery
// failures as non-fatal; the backup itself has already succeeded or failed
// regardless.
type Notifier interface {
	NotifyRunFinished(ctx context.Context, report RunReport) error
}

// Noop is a Notifier that does nothing.
type Noop struct{}

func (Noop) NotifyRunFinished(ctx context.Context, report RunReport) error { return nil }

var _ Notifier = Noop{}
