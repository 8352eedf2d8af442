package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps user config files out of the test.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 90*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, "local", cfg.Jobs.Backend)
		assert.Equal(t, "strict", cfg.Jobs.AcceptMode)
		assert.Equal(t, 60*time.Second, cfg.Jobs.SyncTimeout)
		assert.Equal(t, 250*time.Millisecond, cfg.Jobs.SyncPollInterval)
		assert.Equal(t, 30*time.Second, cfg.Jobs.CancelGrace)
		assert.Zero(t, cfg.Jobs.MaxParallel)
		assert.Equal(t, 30, cfg.Jobs.MaxQueued)
		assert.Equal(t, 5*time.Second, cfg.Jobs.WatchdogInterval)
		assert.Empty(t, cfg.Jobs.AllowedInputPaths)
		assert.Equal(t, "status.db", filepath.Base(cfg.Status.DSN))
		assert.Equal(t, "workdirs", filepath.Base(cfg.Jobs.WorkdirRoot))

		assert.Equal(t, 10.0, cfg.RateLimit.SubmitPerSecond)
		assert.Equal(t, 20, cfg.RateLimit.Burst)

		assert.Equal(t, 22, cfg.Cluster.Port)
		assert.Equal(t, "slurm", cfg.Cluster.Scheduler)
		assert.Equal(t, "ssh", cfg.Cluster.Staging)
		assert.Equal(t, "geoproc launch", cfg.Cluster.LaunchCommand)
		assert.Equal(t, 15*time.Second, cfg.Cluster.DialTimeout)
	})

	t.Run("OverridesBeatEnv", func(t *testing.T) {
		isolate(t)
		t.Setenv("GEOPROC_PORT", "4000")
		t.Setenv("GEOPROC_JOBS_BACKEND", "cluster")
		t.Setenv("GEOPROC_CLUSTER_HOST", "login.hpc.example")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 9000, "host": "0.0.0.0"},
			"jobs":   map[string]any{"backend": "local"},
		})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "local", cfg.Jobs.Backend)
		assert.Equal(t, "login.hpc.example", cfg.Cluster.Host)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("GEOPROC_PORT", "3000")
		t.Setenv("GEOPROC_LOG_LEVEL", "warn")
		t.Setenv("GEOPROC_STATUS_DSN", "postgres://geo@db/geoproc")
		t.Setenv("GEOPROC_JOBS_ACCEPT_MODE", "Lenient")
		t.Setenv("GEOPROC_JOBS_ALLOWED_INPUT_PATHS", "/data/**, /scratch/*.tif")
		t.Setenv("GEOPROC_CLUSTER_RESOURCES_CPUS", "8")
		t.Setenv("GEOPROC_S3_FORCE_PATH_STYLE", "true")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "postgres://geo@db/geoproc", cfg.Status.DSN)
		assert.Equal(t, "lenient", cfg.Jobs.AcceptMode)
		assert.Equal(t, []string{"/data/**", "/scratch/*.tif"}, cfg.Jobs.AllowedInputPaths)
		assert.Equal(t, 8, cfg.Cluster.Resources.CPUs)
		assert.True(t, cfg.S3.ForcePathStyle)
	})

	t.Run("RelativePathsMadeAbsolute", func(t *testing.T) {
		isolate(t)
		t.Chdir(t.TempDir())
		cwd, err := os.Getwd()
		require.NoError(t, err)

		cfg, err := Load(ctx, map[string]any{
			"jobs":   map[string]any{"workdir_root": "workdirs"},
			"status": map[string]any{"dsn": "status.db"},
		})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(cwd, "workdirs"), cfg.Jobs.WorkdirRoot)
		assert.Equal(t, filepath.Join(cwd, "status.db"), cfg.Status.DSN)
	})

	t.Run("LongEnvNameAlsoWorks", func(t *testing.T) {
		isolate(t)
		t.Setenv("GEOPROC_SERVER_PORT", "3100")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3100, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "geoproc.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
jobs:
  backend: cluster
  allowed_input_paths:
    - /data/**
cluster:
  host: login.hpc.example
  user: geo
  resources:
    time: "01:00:00"
`), 0o600))
		SetConfigFile(path)
		defer SetConfigFile("")
		t.Setenv("GEOPROC_PORT", "7100")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 7100, cfg.Server.Port, "env beats file")
		assert.Equal(t, "cluster", cfg.Jobs.Backend)
		assert.Equal(t, []string{"/data/**"}, cfg.Jobs.AllowedInputPaths)
		assert.Equal(t, "login.hpc.example", cfg.Cluster.Host)
		assert.Equal(t, "01:00:00", cfg.Cluster.Resources.Time)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("UserConfigFileDiscovered", func(t *testing.T) {
		isolate(t)
		paths := getUserConfigPaths()
		require.NotEmpty(t, paths)
		require.NoError(t, os.MkdirAll(filepath.Dir(paths[0]), 0o755))
		require.NoError(t, os.WriteFile(paths[0], []byte("server:\n  port: 7200\n"), 0o600))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7200, cfg.Server.Port)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		tests := []struct {
			name      string
			overrides map[string]any
			want      string
		}{
			{"backend", map[string]any{"jobs": map[string]any{"backend": "k8s"}}, "jobs.backend"},
			{"accept mode", map[string]any{"jobs": map[string]any{"accept_mode": "maybe"}}, "jobs.accept_mode"},
			{"profile", map[string]any{"logging": map[string]any{"profile": "xml"}}, "logging.profile"},
			{"port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
			{"cluster host", map[string]any{"jobs": map[string]any{"backend": "cluster"}}, "cluster.host"},
			{"ratelimit", map[string]any{"ratelimit": map[string]any{"burst": -1}}, "ratelimit"},
			{"max parallel", map[string]any{"jobs": map[string]any{"max_parallel": -2}}, "jobs.max_parallel"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Load(ctx, tt.overrides)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		names[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", names["GEOPROC_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["GEOPROC_PORT"])
	assert.Equal(t, "server.host", names["GEOPROC_HOST"])
	assert.Equal(t, "status.dsn", names["GEOPROC_STATUS_DSN"])
	assert.Equal(t, "status.auth_token", names["GEOPROC_STATUS_AUTH_TOKEN"])
	assert.Equal(t, "s3.endpoint", names["GEOPROC_S3_ENDPOINT"])
	assert.Equal(t, "s3.region", names["GEOPROC_S3_REGION"])
	assert.Equal(t, "cluster.resources.partition", names["GEOPROC_CLUSTER_RESOURCES_PARTITION"])

	for _, spec := range specs {
		assert.Contains(t, spec.Name, "GEOPROC_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("GEOPROC_READ_TIMEOUT", "45s")
	t.Setenv("GEOPROC_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("GEOPROC_JOBS_SYNC_TIMEOUT", "2m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Jobs.SyncTimeout)
}

func TestGetConfig_TracksLastLoad(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	_, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "local", GetConfig().Jobs.Backend)

	_, err = Load(ctx, map[string]any{
		"jobs":   map[string]any{"accept_mode": "lenient"},
		"server": map[string]any{"port": 9090},
	})
	require.NoError(t, err)
	assert.Equal(t, 9090, GetConfig().Server.Port)
	assert.Equal(t, "lenient", GetConfig().Jobs.AcceptMode)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		isolate(t)
		_, _ = Load(context.Background())
	}()

	assert.Nil(t, AppIdentity())
	assert.Nil(t, GetConfig())
	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestServerConfig_Addr(t *testing.T) {
	assert.Equal(t, "localhost:8080", ServerConfig{Host: "localhost", Port: 8080}.Addr())
}
