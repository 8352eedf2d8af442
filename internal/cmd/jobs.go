package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/status"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs in the status store",
	Long: `Inspect jobs tracked in the status store.

Job ids are stable UUIDs; every subcommand that takes a job id also accepts
a unique prefix. Use --json for machine-readable output.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active jobs (or stored or queued jobs)",
	RunE:  runJobsList,
}

var jobsRequestCmd = &cobra.Command{
	Use:   "request <job_id>",
	Short: "Show the request a stored job was submitted with",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRequest,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRequestCmd)

	jobsListCmd.Flags().Bool("stored", false, "List stored jobs instead of active jobs")
	jobsListCmd.Flags().Bool("queued", false, "List jobs waiting for a free slot")
	jobsListCmd.MarkFlagsMutuallyExclusive("stored", "queued")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsRequestCmd.Flags().Bool("json", false, "Output as JSON instead of YAML")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stored, _ := cmd.Flags().GetBool("stored")
	queued, _ := cmd.Flags().GetBool("queued")

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

	list := store.ListActive
	switch {
	case stored:
		list = store.ListStored
	case queued:
		list = store.ListQueued
	}
	records, err := listRecords(ctx, store, list)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list jobs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tPROCESS\tPHASE\tPROGRESS\tOWNER\tSTARTED\tENDED")
	for _, rec := range records {
		owner := rec.Owner
		if owner == "" {
			owner = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\t%s\n",
			rec.JobID,
			rec.Process,
			rec.Phase,
			rec.Progress,
			owner,
			formatOptionalTime(rec.StartedAt),
			formatOptionalTime(rec.EndedAt),
		)
	}
	return nil
}

// listRecords loads the records of the jobs list returns. Records removed
// between listing and reading are skipped.
func listRecords(ctx context.Context, store status.Store, list func(context.Context) ([]string, error)) ([]*status.Record, error) {
	ids, err := list(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*status.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := store.Get(ctx, id)
		if status.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func runJobsRequest(cmd *cobra.Command, args []string) error {
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
	payload, err := store.StoredRequest(ctx, jobID)
	if err != nil {
		if status.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "No stored request for job "+jobID, err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot read stored request", err)
	}
	req, err := request.Unmarshal(payload)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Stored request is corrupt", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, req)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(req)
}
