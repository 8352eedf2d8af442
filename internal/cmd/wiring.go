package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/geoproc/internal/config"
	"github.com/3leaps/geoproc/pkg/backend"
	"github.com/3leaps/geoproc/pkg/job"
	"github.com/3leaps/geoproc/pkg/process"
	"github.com/3leaps/geoproc/pkg/remote"
	"github.com/3leaps/geoproc/pkg/request"
	"github.com/3leaps/geoproc/pkg/service"
	"github.com/3leaps/geoproc/pkg/staging"
	"github.com/3leaps/geoproc/pkg/status"
)

// Environment variables read by worker and launch children.
const (
	envStatusDSN       = "GEOPROC_STATUS_DSN"
	envStatusAuthToken = "GEOPROC_STATUS_AUTH_TOKEN"
	envLogLevel        = "GEOPROC_LOG_LEVEL"
	envOwner           = "GEOPROC_OWNER"
)

// jobRuntime holds everything needed to accept, run and query jobs.
type jobRuntime struct {
	cfg        *config.Config
	store      status.Store
	backend    backend.Backend
	dispatcher *job.Dispatcher
	svc        *service.Service
}

func openStore(ctx context.Context, cfg *config.Config) (status.Store, error) {
	store, err := status.Open(ctx, status.Config{DSN: cfg.Status.DSN, AuthToken: cfg.Status.AuthToken})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable,
			"Cannot open status store "+status.RedactDSN(cfg.Status.DSN), err)
	}
	return store, nil
}

// openRuntime opens the status store and wires backend, dispatcher and service.
func openRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*jobRuntime, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	be, err := newBackend(store, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid backend configuration", err)
	}

	dispatcher, err := job.NewDispatcher(store, be, cfg.Jobs.WorkdirRoot, job.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid dispatcher configuration", err)
	}

	svc, err := service.New(process.Default(), dispatcher, store, serviceConfig(cfg), service.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid service configuration", err)
	}

	return &jobRuntime{cfg: cfg, store: store, backend: be, dispatcher: dispatcher, svc: svc}, nil
}

func (r *jobRuntime) Close() error {
	return r.store.Close()
}

func newBackend(store status.Store, cfg *config.Config, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.Jobs.Backend {
	case backend.NameLocal:
		return backend.NewLocal(store, localConfig(cfg), logger)
	case backend.NameCluster:
		return backend.NewCluster(store, clusterConfig(cfg), backend.WithClusterLogger(logger))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Jobs.Backend)
	}
}

// localConfig points worker children at the same status store as this
// process, whatever mix of file, env and flags selected it.
func localConfig(cfg *config.Config) backend.LocalConfig {
	dsn := cfg.Status.DSN
	if abs, err := status.AbsDSN(dsn); err == nil {
		dsn = abs
	}
	env := []string{
		envStatusDSN + "=" + dsn,
		envLogLevel + "=" + cfg.Logging.Level,
	}
	if cfg.Status.AuthToken != "" {
		env = append(env, envStatusAuthToken+"="+cfg.Status.AuthToken)
	}
	return backend.LocalConfig{Env: env, CancelGrace: cfg.Jobs.CancelGrace}
}

func clusterConfig(cfg *config.Config) backend.ClusterConfig {
	c := cfg.Cluster
	dsn, token := c.StatusDSN, c.StatusAuthToken
	if strings.TrimSpace(dsn) == "" {
		dsn = cfg.Status.DSN
	}
	if token == "" && dsn == cfg.Status.DSN {
		token = cfg.Status.AuthToken
	}
	return backend.ClusterConfig{
		SSH: remote.Config{
			Host:                  c.Host,
			Port:                  c.Port,
			User:                  c.User,
			KeyFile:               c.KeyFile,
			Password:              c.Password,
			KnownHosts:            c.KnownHosts,
			InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
			DialTimeout:           c.DialTimeout,
		},
		RemoteDir:       c.RemoteDir,
		LaunchCommand:   c.LaunchCommand,
		SubmitCommand:   c.SubmitCommand,
		CancelCommand:   c.CancelCommand,
		Scheduler:       c.Scheduler,
		StatusDSN:       dsn,
		StatusAuthToken: token,
		Resources: backend.Resources{
			Time:      c.Resources.Time,
			Memory:    c.Resources.Memory,
			CPUs:      c.Resources.CPUs,
			Partition: c.Resources.Partition,
		},
		Staging: c.Staging,
		S3:      s3Config(cfg),
	}
}

func s3Config(cfg *config.Config) staging.S3Config {
	return staging.S3Config{
		Region:         cfg.S3.Region,
		Endpoint:       cfg.S3.Endpoint,
		Profile:        cfg.S3.Profile,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	}
}

func serviceConfig(cfg *config.Config) service.Config {
	return service.Config{
		AcceptMode:   service.AcceptMode(cfg.Jobs.AcceptMode),
		SyncTimeout:  cfg.Jobs.SyncTimeout,
		PollInterval: cfg.Jobs.SyncPollInterval,
		Policy:       request.Policy{AllowedInputPaths: cfg.Jobs.AllowedInputPaths},
		MaxParallel:  cfg.Jobs.MaxParallel,
		MaxQueued:    cfg.Jobs.MaxQueued,
	}
}

// resolveJobID accepts a full job id or a unique prefix of an active or
// stored job.
func resolveJobID(ctx context.Context, store status.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(ctx, input); err == nil {
		return input, nil
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		return "", err
	}
	stored, err := store.ListStored(ctx)
	if err != nil {
		return "", err
	}

	seen := make(map[string]bool)
	var matches []string
	for _, id := range append(active, stored...) {
		if strings.HasPrefix(id, input) && !seen[id] {
			seen[id] = true
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("job not found: %s", input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
}
