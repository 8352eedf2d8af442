// Package cmd implements the geoproc command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/geoproc/internal/config"
	"github.com/3leaps/geoproc/internal/observability"
	"github.com/3leaps/geoproc/internal/server/handlers"
)

var (
	cfgFile   string
	verbose   bool
	statusDSN string

	appIdentity *config.Identity

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

var rootCmd = &cobra.Command{
	Use:   "geoproc",
	Short: "Dispatch and track geospatial processing jobs",
	Long: `geoproc accepts execution requests for registered processes, runs them
as isolated jobs on this host or on a batch cluster, and tracks every job in a
shared status store.

Examples:
  geoproc serve                                  # HTTP API on localhost:8080
  geoproc submit returner --request req.yaml     # submit without the server
  geoproc jobs list                              # active jobs
  geoproc status 3f2a                            # status by job id prefix`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(GetAppIdentity().BinaryName, verbose)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <user config dir>/geoproc/geoproc.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&statusDSN, "status-dsn", "", "Status store DSN (sqlite path, libsql://, postgres://, redis://)")

	setDefaults()
}

func initConfig() {
	if appIdentity == nil {
		id := config.DefaultIdentity
		appIdentity = &id
	}
	config.SetConfigFile(cfgFile)
}

// setDefaults mirrors the config defaults into the global viper instance
// so flags bound to it report them.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity, or nil before init.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// loadConfig loads configuration with the flags the user set as overrides.
func loadConfig(cmd *cobra.Command, extra map[string]any) (*config.Config, error) {
	overrides := map[string]any{}
	if f := cmd.Flags().Lookup("status-dsn"); f != nil && f.Changed {
		overrides["status"] = map[string]any{"dsn": statusDSN}
	}
	for k, v := range extra {
		overrides[k] = v
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx := context.Background()
	err := rootCmd.ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return 0
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		observability.CLILogger.Error(ee.Message, zap.Error(ee.Err))
		if ee.Code == 0 {
			return 1
		}
		return ee.Code
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
