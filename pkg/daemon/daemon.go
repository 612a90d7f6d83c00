// Package daemon runs the scheduler loop around the backup engine. A daemon
// holds the target directory lock for its whole lifetime so two instances
// never write into the same target.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mhoffm/backupd/pkg/config"
	"github.com/mhoffm/backupd/pkg/engine"
	"github.com/mhoffm/backupd/pkg/lockfile"
	"github.com/mhoffm/backupd/pkg/plog"
	"github.com/mhoffm/backupd/pkg/schedule"
	"github.com/mhoffm/backupd/pkg/util"
)

// Runner executes one backup run. It is implemented by engine.Engine.
type Runner interface {
	Execute(ctx context.Context, now time.Time) engine.RunResult
}

// Daemon triggers backup runs according to the configured schedule.
type Daemon struct {
	cfg    config.Config
	sched  *schedule.Scheduler
	runner Runner
}

// New creates a daemon for the given configuration and runner.
func New(cfg config.Config, runner Runner) *Daemon {
	return &Daemon{
		cfg:    cfg,
		sched:  schedule.New(cfg.Schedule),
		runner: runner,
	}
}

// RunOnce performs a single backup run immediately, regardless of the
// schedule, and returns the run's error.
func (d *Daemon) RunOnce(ctx context.Context) error {
	lock, err := d.acquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	result := d.runner.Execute(ctx, time.Now())
	return result.Err
}

// Run blocks until ctx is canceled, triggering a backup run whenever the
// schedule fires. The wall-clock minute tick comes from cron; a tick that
// arrives while a run is still in progress is skipped rather than queued.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := d.acquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("* * * * *", func() {
		d.tick(ctx, time.Now())
	}); err != nil {
		return fmt.Errorf("could not schedule minute tick: %w", err)
	}

	plog.Notice("Daemon started",
		"source", d.cfg.Source,
		"target", d.cfg.TargetRoot,
		"scheduleDays", d.cfg.Schedule.Days,
		"scheduleTime", fmt.Sprintf("%02d:%02d", d.cfg.Schedule.Hour, d.cfg.Schedule.Minute),
	)
	c.Start()

	<-ctx.Done()
	plog.Notice("Daemon shutting down")

	// Stop returns a context that is done once in-flight jobs finish.
	<-c.Stop().Done()
	return nil
}

// tick checks the schedule for one wall-clock minute and runs the engine
// when it fires.
func (d *Daemon) tick(ctx context.Context, now time.Time) {
	if !d.sched.IsDue(now) {
		return
	}
	d.runner.Execute(ctx, now)
}

// acquireLock takes the per-target lock, creating the target directory if it
// does not exist yet.
func (d *Daemon) acquireLock() (*lockfile.Lock, error) {
	if err := os.MkdirAll(d.cfg.TargetRoot, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("could not create target directory %q: %w", d.cfg.TargetRoot, err)
	}
	return lockfile.Acquire(d.cfg.TargetRoot)
}
