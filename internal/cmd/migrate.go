package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/geoproc/pkg/status"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the status store schema",
	Long: `Connect to the status store and apply pending schema migrations.

Every command that opens the store migrates it on first use; run this
explicitly to prepare a shared store (PostgreSQL, libsql) before deploying
servers and cluster launchers against it. Redis stores need no migration
and are only checked for connectivity.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	driver, err := status.DriverFor(cfg.Status.DSN)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid status store DSN", err)
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status store is unreachable", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "driver=%s\n", driver)
	_, _ = fmt.Fprintf(out, "dsn=%s\n", status.RedactDSN(cfg.Status.DSN))
	_, _ = fmt.Fprintln(out, "schema=current")
	return nil
}
