package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/geoproc/internal/config"
	"github.com/3leaps/geoproc/internal/observability"
	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one job bundle (spawned by the local backend)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("bundle", "", "Path to the job bundle (job.json)")
	_ = workerCmd.MarkFlagRequired("bundle")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("bundle")

	b, err := job.ReadBundle(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return exitError(foundry.ExitFileNotFound, "Bundle not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Cannot read bundle", err)
	}
	return runBundle(cmd, b, "")
}

// runBundle executes b against the configured status store. SIGTERM and
// SIGINT cancel the process context; the worker then records the job as
// cancelled unless someone else finalized it first.
func runBundle(cmd *cobra.Command, b *job.Bundle, workdirRoot string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	logger, err := workerLogger(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	opts := []worker.Option{worker.WithLogger(logger)}
	if owner := strings.TrimSpace(os.Getenv(envOwner)); owner != "" {
		opts = append(opts, worker.WithOwner(owner))
	}
	if workdirRoot != "" {
		opts = append(opts, worker.WithWorkdirRoot(workdirRoot))
	}

	if err := worker.New(store, process.Default(), opts...).Run(ctx, b); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job "+b.JobID+" could not report its status", err)
	}
	return nil
}

func workerLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	name := config.DefaultIdentity.BinaryName
	if id := GetAppIdentity(); id != nil {
		name = id.BinaryName
	}
	logger, err := observability.NewLogger(name+"-worker", cfg.Logging.Profile, level)
	if err != nil {
		return nil, err
	}
	return logger, nil
}
