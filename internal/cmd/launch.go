package cmd

import (
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/staging"
)

var launchCmd = &cobra.Command{
	Use:   "launch [--workdir dir] <bundle|s3://bucket/key>",
	Short: "Run a staged job bundle on a cluster node",
	Long: `Run a job bundle staged by the cluster backend.

The bundle is read from a local path or fetched from S3. A fresh workdir is
created under --workdir (default: the system temp dir) and the job reports
to the status store named by GEOPROC_STATUS_DSN or the config file.

This command is what the generated batch script executes; it is rarely run
by hand.`,
	Args: cobra.ExactArgs(1),
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)
	launchCmd.Flags().String("workdir", "", "Directory under which the job workdir is created")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	workdir, _ := cmd.Flags().GetString("workdir")
	ref := args[0]

	data, err := readBundleRef(cmd, ref)
	if err != nil {
		return err
	}
	b, err := job.DecodeBundle(data)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Invalid bundle", err)
	}
	// A remote bundle never reuses the submitting host's workdir.
	b.Workdir = ""
	return runBundle(cmd, b, workdir)
}

func readBundleRef(cmd *cobra.Command, ref string) ([]byte, error) {
	if !staging.IsS3URI(ref) {
		data, err := os.ReadFile(ref)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, exitError(foundry.ExitFileNotFound, "Bundle not found", err)
			}
			return nil, exitError(foundry.ExitFileReadError, "Cannot read bundle", err)
		}
		return data, nil
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	s3cfg, err := staging.S3ConfigFromURI(ref, s3Config(cfg))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid bundle URI", err)
	}
	ctx := cmd.Context()
	stager, err := staging.NewS3(ctx, s3cfg)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach S3", err)
	}
	data, err := stager.Fetch(ctx, ref)
	if err != nil {
		if staging.IsNotFound(err) {
			return nil, exitError(foundry.ExitFileNotFound, "Bundle not found", err)
		}
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot fetch bundle", err)
	}
	return data, nil
}
