package cmd

import (
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoproc/internal/config"
)

func TestVersionCommand_Extended(t *testing.T) {
	orig := versionInfo
	t.Cleanup(func() { SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate) })
	SetVersionInfo("0.4.0", "9c1e2f0", "2026-03-02")

	out, err := executeCommand(t, "version", "--extended")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, "geoproc 0.4.0", lines[0])
	assert.Contains(t, lines, "commit=9c1e2f0")
	assert.Contains(t, lines, "build_date=2026-03-02")
	assert.True(t, strings.HasPrefix(lines[3], "go="+runtime.Version()))
	require.NotNil(t, GetAppIdentity())
	assert.Equal(t, config.DefaultIdentity.BinaryName, GetAppIdentity().BinaryName)
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults()

	// Server defaults
	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "90s", viper.GetString("server.write_timeout"))
	assert.Equal(t, "120s", viper.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))

	// Logging defaults
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "structured", viper.GetString("logging.profile"))

	// Job defaults
	assert.Equal(t, "local", viper.GetString("jobs.backend"))
	assert.Equal(t, "strict", viper.GetString("jobs.accept_mode"))
	assert.Equal(t, "60s", viper.GetString("jobs.sync_timeout"))
	assert.NotEmpty(t, viper.GetString("status.dsn"))

	// Cluster defaults
	assert.Equal(t, 22, viper.GetInt("cluster.port"))
	assert.Equal(t, "sbatch", viper.GetString("cluster.submit_command"))
	assert.Equal(t, "slurm", viper.GetString("cluster.scheduler"))
}
