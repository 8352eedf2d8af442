package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/geoproc/internal/observability"
	"github.com/3leaps/geoproc/pkg/fault"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/service"
)

var submitCmd = &cobra.Command{
	Use:   "submit <process>",
	Short: "Submit an execution request without the HTTP server",
	Long: `Validate and dispatch an execution request in this process.

The job runs on the configured backend and reports to the configured status
store, exactly as if it had been submitted over HTTP. Use "-" to read the
request from stdin.

Examples:
  geoproc submit returner --request req.yaml
  geoproc submit sleep --request req.json --sync
  cat req.yaml | geoproc submit returner --request - --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("request", "", "Request file (YAML or JSON), or - for stdin")
	submitCmd.Flags().Bool("sync", false, "Wait for the job to finish (bounded by jobs.sync_timeout)")
	submitCmd.Flags().Bool("store", false, "Keep the request for later retrieval")
	submitCmd.Flags().Bool("json", false, "Output as JSON")
	_ = submitCmd.MarkFlagRequired("request")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	reqPath, _ := cmd.Flags().GetString("request")
	sync, _ := cmd.Flags().GetBool("sync")
	store, _ := cmd.Flags().GetBool("store")

	req, err := readRequest(cmd, reqPath)
	if err != nil {
		return err
	}
	if sync {
		req.Mode = request.ModeSync
	}
	if store {
		req.Store = true
	}

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

	res, err := rt.svc.Submit(ctx, args[0], req)
	if err != nil {
		return submitError(err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, res)
	}
	writeSubmitResult(out, res)
	return nil
}

func readRequest(cmd *cobra.Command, path string) (*request.Request, error) {
	var (
		req *request.Request
		err error
	)
	if path == "-" {
		req, err = request.LoadFromReader(cmd.InOrStdin(), "")
	} else {
		req, err = request.Load(path)
	}
	if err != nil {
		if path != "-" {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return nil, exitError(foundry.ExitFileNotFound, "Request file not found", err)
			}
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid request", err)
	}
	return req, nil
}

func submitError(err error) error {
	msg := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg = fe.Message()
		if fe.JobID != "" {
			msg = fmt.Sprintf("%s (job %s)", msg, fe.JobID)
		}
	}
	switch fault.KindOf(err) {
	case fault.KindRejection:
		if fault.IsKind(err, fault.KindResource) {
			return exitError(foundry.ExitFileWriteError, msg, err)
		}
		return exitError(foundry.ExitInvalidArgument, msg, err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, msg, err)
	}
}

func writeSubmitResult(w io.Writer, res *service.SubmitResult) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", res.JobID)
	_, _ = fmt.Fprintf(w, "phase=%s\n", res.Phase)
	if res.Message != "" {
		_, _ = fmt.Fprintf(w, "message=%s\n", res.Message)
	}
	if res.Record != nil {
		_, _ = fmt.Fprintf(w, "progress=%d\n", res.Record.Progress)
	}
	if res.TimedOut {
		_, _ = fmt.Fprintln(w, "timed_out=true")
	}
}
