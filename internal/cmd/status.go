package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/geoproc/pkg/status"
)

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the status record of a job",
	Long: `Show the status record of a job. A unique prefix of the job id is enough.

Examples:
  geoproc status 3f2a
  geoproc status 3f2a9c1e-... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

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
	rec, err := store.Get(ctx, jobID)
	if err != nil {
		if status.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot read job status", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rec)
	}
	writeRecord(out, rec)
	return nil
}
