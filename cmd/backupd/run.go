package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mhoffm/backupd/pkg/daemon"
	"github.com/mhoffm/backupd/pkg/engine"
	"github.com/mhoffm/backupd/pkg/notify"
	"github.com/mhoffm/backupd/pkg/plog"
)

var once bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup daemon",
	Long: `Run the backup daemon. The daemon locks the target directory,
then waits for the configured schedule and performs one backup run per
scheduled day:
1. Preflight checks (source readable, target writable, free space)
2. Snapshot copy into a staged directory, promoted atomically
3. Optional compression into a tar archive
4. Retention pass deleting the oldest entries
5. Telegram notification (if configured)

With --once a single run is performed immediately and the daemon exits.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&once, "once", false, "perform one backup run immediately and exit")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	cfg.LogSummary()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		plog.Warn("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram != nil {
		notifier = notify.NewTelegram(*cfg.Telegram)
	}

	d := daemon.New(cfg, engine.New(cfg, notifier))
	if once {
		return d.RunOnce(ctx)
	}
	return d.Run(ctx)
}
