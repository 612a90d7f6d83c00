// Package schedule decides when a backup run is due. The scheduler is polled
// once per tick and debounces so a matching minute triggers exactly one run.
package schedule

import (
	"time"

	"github.com/mhoffm/backupd/pkg/config"
	"github.com/mhoffm/backupd/pkg/plog"
)

// Scheduler tracks the last triggered run and matches the wall clock against
// the configured days, hour and minute. Weekdays are numbered 0 (Monday)
// through 6 (Sunday).
type Scheduler struct {
	days    map[int]struct{}
	hour    int
	minute  int
	lastRun time.Time
}

// New creates a Scheduler with no prior run recorded.
func New(cfg config.ScheduleConfig) *Scheduler {
	days := make(map[int]struct{}, len(cfg.Days))
	for _, d := range cfg.Days {
		days[d] = struct{}{}
	}
	return &Scheduler{
		days:   days,
		hour:   cfg.Hour,
		minute: cfg.Minute,
	}
}

// NewWithLastRun creates a Scheduler that behaves as if it already triggered
// at lastRun. Used to restore state across restarts and in tests.
func NewWithLastRun(cfg config.ScheduleConfig, lastRun time.Time) *Scheduler {
	s := New(cfg)
	s.lastRun = lastRun
	return s
}

// LastRun returns the timestamp of the last trigger, zero if none.
func (s *Scheduler) LastRun() time.Time {
	return s.lastRun
}

// IsDue reports whether a run should start at now. When it returns true the
// trigger is recorded, so later polls inside the same minute return false.
func (s *Scheduler) IsDue(now time.Time) bool {
	if _, ok := s.days[weekday(now)]; !ok {
		return false
	}
	if now.Hour() != s.hour || now.Minute() != s.minute {
		return false
	}
	if !s.lastRun.IsZero() && sameMinute(s.lastRun, now) {
		plog.Debug("Run already triggered this minute", "lastRun", s.lastRun)
		return false
	}

	s.lastRun = now
	return true
}

// weekday maps Go's Sunday-based time.Weekday to the 0=Monday numbering used
// in the configuration.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// sameMinute reports whether both timestamps fall into the same wall-clock
// minute.
func sameMinute(a, b time.Time) bool {
	return a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}
