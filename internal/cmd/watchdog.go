package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/geoproc/internal/config"
	"github.com/3leaps/geoproc/internal/observability"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Start queued jobs as running jobs finish",
	Long: `Start jobs from the status store's job queue whenever fewer than
jobs.max_parallel jobs are running.

Submissions are queued instead of started once jobs.max_parallel jobs run.
Run one watchdog next to the service (or use serve --watchdog); several
watchdogs sharing a status store never start the same job twice.

Examples:
  geoproc watchdog
  geoproc watchdog --interval 2s
  geoproc watchdog --once`,
	Args: cobra.NoArgs,
	RunE: runWatchdog,
}

func init() {
	rootCmd.AddCommand(watchdogCmd)
	watchdogCmd.Flags().Duration("interval", 0, "Queue polling interval (default from config: 5s)")
	watchdogCmd.Flags().Bool("once", false, "Drain the queue once and exit")
}

func runWatchdog(cmd *cobra.Command, _ []string) error {
	once, _ := cmd.Flags().GetBool("once")

	extra := map[string]any{}
	if cmd.Flags().Changed("interval") {
		interval, _ := cmd.Flags().GetDuration("interval")
		extra["jobs"] = map[string]any{"watchdog_interval": interval}
	}
	cfg, err := loadConfig(cmd, extra)
	if err != nil {
		return err
	}
	logger, err := watchdogLogger(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if once {
		started, err := rt.svc.StartQueued(ctx)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot drain job queue", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d queued jobs started\n", len(started))
		for _, id := range started {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	}

	if cfg.Jobs.MaxParallel == 0 {
		logger.Warn("jobs.max_parallel is 0; submissions are never queued")
	}
	return rt.svc.Watch(ctx, cfg.Jobs.WatchdogInterval)
}

func watchdogLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	name := config.DefaultIdentity.BinaryName
	if id := GetAppIdentity(); id != nil {
		name = id.BinaryName
	}
	return observability.NewLogger(name+"-watchdog", cfg.Logging.Profile, level)
}
