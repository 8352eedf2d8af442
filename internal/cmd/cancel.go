package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/geoproc/internal/observability"
	"github.com/3leaps/geoproc/pkg/fault"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a running job",
	Long: `Ask the configured backend to stop a job.

The local backend signals the worker process (SIGTERM, then SIGKILL after
jobs.cancel_grace). The cluster backend runs the scheduler's cancel command
on the login host; the outcome is "requested" until the job reports back.

Examples:
  geoproc cancel 3f2a
  GEOPROC_JOBS_BACKEND=cluster geoproc cancel 3f2a --json`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCancel(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	jobID, err := resolveJobID(ctx, rt.store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	outcome, err := rt.svc.Cancel(ctx, jobID)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.KindNotFound, fault.KindNotSupported:
			return exitError(foundry.ExitInvalidArgument, "Cannot cancel job "+jobID, err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot cancel job "+jobID, err)
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, map[string]string{"job_id": jobID, "outcome": string(outcome)})
	}
	_, _ = fmt.Fprintf(out, "job_id=%s\noutcome=%s\n", jobID, outcome)
	return nil
}
