package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/geoproc/pkg/status"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <job_id>",
	Short: "Remove a finished stored job",
	Long: `Remove the status record and saved request of a stored job.

Only stored jobs in a terminal phase (SUCCEEDED or FAILED) can be forgotten.`,
	Args: cobra.ExactArgs(1),
	RunE: runForget,
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}

func runForget(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	if err := store.Forget(ctx, jobID); err != nil {
		switch {
		case status.IsNotFound(err), errors.Is(err, status.ErrStillActive):
			return exitError(foundry.ExitInvalidArgument, "Cannot forget job "+jobID, err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot forget job "+jobID, err)
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", jobID)
	return nil
}
