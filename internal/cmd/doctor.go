package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/geoproc/internal/config"
	"github.com/3leaps/geoproc/internal/observability"
	"github.com/3leaps/geoproc/pkg/backend"
	"github.com/3leaps/geoproc/pkg/remote"
	"github.com/3leaps/geoproc/pkg/status"
)

var (
	doctorCluster bool
	doctorS3      bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, the status store and,
optionally, the cluster login host and S3 credentials.

Examples:
  geoproc doctor              # environment and status store
  geoproc doctor --cluster    # also connect to the cluster login host
  geoproc doctor --s3         # also resolve AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorCluster, "cluster", false, "Check the cluster login host (default when jobs.backend=cluster)")
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "Check AWS credentials for S3 staging (default when cluster.staging=s3)")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	checks := []doctorCheck{
		{"Go version", checkGoVersion},
		{"Gofulmen and Crucible", checkCrucible},
		{"config directory", checkConfigDir},
		{"status store", checkStatusStore},
		{"environment", checkEnvironment},
	}
	if doctorCluster || cfg.Jobs.Backend == backend.NameCluster {
		checks = append(checks, doctorCheck{"cluster login host", checkCluster})
	}
	if doctorS3 || (cfg.Jobs.Backend == backend.NameCluster && cfg.Cluster.Staging == "s3") {
		checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
	}

	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context(), cfg)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" FAILED", zap.Error(err))
			continue
		}
		log.Info(prefix + " ok " + detail)
	}

	if failed > 0 {
		if doctorS3 || cfg.Cluster.Staging == "s3" {
			printAWSCredentialsHelp()
		}
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("%d of %d checks failed", failed, len(checks)), nil)
	}
	log.Info(fmt.Sprintf("All checks passed. Your %s installation is healthy.", bannerName))
	return nil
}

func checkGoVersion(context.Context, *config.Config) (string, error) {
	return runtime.Version(), nil
}

func checkCrucible(context.Context, *config.Config) (string, error) {
	v := crucible.GetVersion()
	if v.Crucible == "" || v.Gofulmen == "" {
		return "", fmt.Errorf("cannot access crucible (crucible=%q gofulmen=%q)", v.Crucible, v.Gofulmen)
	}
	return fmt.Sprintf("gofulmen v%s, crucible v%s", v.Gofulmen, v.Crucible), nil
}

func checkConfigDir(context.Context, *config.Config) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return dir, nil
}

func checkEnvironment(context.Context, *config.Config) (string, error) {
	return runtime.GOOS + "/" + runtime.GOARCH, nil
}

func checkStatusStore(ctx context.Context, cfg *config.Config) (string, error) {
	store, err := status.Open(ctx, status.Config{DSN: cfg.Status.DSN, AuthToken: cfg.Status.AuthToken})
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()
	if err := store.Ping(ctx); err != nil {
		return "", err
	}
	return status.RedactDSN(cfg.Status.DSN), nil
}

// checkCluster connects to the login host and looks up the submit command.
func checkCluster(ctx context.Context, cfg *config.Config) (string, error) {
	cc := clusterConfig(cfg)
	client, err := remote.Dial(ctx, cc.SSH)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()

	submit := strings.Fields(cfg.Cluster.SubmitCommand)
	if len(submit) == 0 {
		return cc.SSH.Address(), nil
	}
	out, err := client.Run(ctx, "command -v "+remote.Quote(submit[0]), nil)
	if err != nil {
		return "", fmt.Errorf("%s not found on %s: %w", submit[0], cc.SSH.Address(), err)
	}
	return cc.SSH.Address() + " " + strings.TrimSpace(string(out)), nil
}

func checkAWSCredentials(ctx context.Context, cfg *config.Config) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.S3.Profile))
	}
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (source: %s)", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for S3 staging:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set s3.profile (GEOPROC_S3_PROFILE) to a shared config profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set s3.endpoint.")
}
