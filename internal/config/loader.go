package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/geoproc/pkg/status"
)

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

// shortEnv are the env names that do not follow the section_key pattern.
var shortEnv = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
}

// AppDataDir is where the default status store and workdirs live.
func AppDataDir() string {
	return gfconfig.GetAppDataDir(DefaultIdentity.ConfigName)
}

// SetDefaults registers every known key with its default on v.
//
// Durations are strings so they read back the way a config file spells them.
func SetDefaults(v *viper.Viper) {
	dataDir := AppDataDir()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("status.dsn", filepath.Join(dataDir, "status.db"))
	v.SetDefault("status.auth_token", "")

	v.SetDefault("jobs.workdir_root", filepath.Join(dataDir, "workdirs"))
	v.SetDefault("jobs.backend", "local")
	v.SetDefault("jobs.accept_mode", "strict")
	v.SetDefault("jobs.sync_timeout", "60s")
	v.SetDefault("jobs.sync_poll_interval", "250ms")
	v.SetDefault("jobs.allowed_input_paths", []string{})
	v.SetDefault("jobs.cancel_grace", "30s")
	v.SetDefault("jobs.max_parallel", 0)
	v.SetDefault("jobs.max_queued", 30)
	v.SetDefault("jobs.watchdog_interval", "5s")

	v.SetDefault("ratelimit.submit_per_second", 10.0)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("cluster.host", "")
	v.SetDefault("cluster.port", 22)
	v.SetDefault("cluster.user", "")
	v.SetDefault("cluster.key_file", "")
	v.SetDefault("cluster.password", "")
	v.SetDefault("cluster.known_hosts", "")
	v.SetDefault("cluster.insecure_ignore_host_key", false)
	v.SetDefault("cluster.remote_dir", "geoproc/jobs")
	v.SetDefault("cluster.launch_command", "geoproc launch")
	v.SetDefault("cluster.submit_command", "sbatch")
	v.SetDefault("cluster.cancel_command", "scancel")
	v.SetDefault("cluster.scheduler", "slurm")
	v.SetDefault("cluster.status_dsn", "")
	v.SetDefault("cluster.status_auth_token", "")
	v.SetDefault("cluster.staging", "ssh")
	v.SetDefault("cluster.dial_timeout", "15s")
	v.SetDefault("cluster.resources.time", "")
	v.SetDefault("cluster.resources.memory", "")
	v.SetDefault("cluster.resources.cpus", 0)
	v.SetDefault("cluster.resources.partition", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
}

// SetConfigFile selects an explicit config file for subsequent loads.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Precedence, lowest first: defaults,
// config file, environment, overrides.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for path, names := range groupEnvSpecs(envSpecsLocked()) {
		args := append([]string{path}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// AppIdentity returns the identity set by Load, or nil before the first load.
func AppIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func readConfigFile(v *viper.Viper) error {
	path := configFile
	if path == "" {
		for _, candidate := range userConfigPathsLocked() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPathsLocked()
}

func userConfigPathsLocked() []string {
	if appIdentity == nil {
		return []string{}
	}
	name := appIdentity.ConfigName + ".yaml"

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName, name))
	}
	paths = append(paths, filepath.Join(gfconfig.GetAppDataDir(appIdentity.ConfigName), name))
	return paths
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsLocked()
}

// envSpecsLocked lists PREFIX_SECTION_KEY for every known key plus the
// short aliases.
func envSpecsLocked() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}
	prefix := appIdentity.EnvPrefix + "_"

	keys := viper.New()
	SetDefaults(keys)

	var specs []EnvSpec
	for short, path := range shortEnv {
		specs = append(specs, EnvSpec{Name: prefix + short, Path: path})
	}
	for _, key := range keys.AllKeys() {
		name := prefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, EnvSpec{Name: name, Path: key})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func groupEnvSpecs(specs []EnvSpec) map[string][]string {
	out := make(map[string][]string)
	for _, s := range specs {
		out[s.Path] = append(out[s.Path], s.Name)
	}
	return out
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Jobs.Backend = strings.ToLower(strings.TrimSpace(cfg.Jobs.Backend))
	cfg.Jobs.AcceptMode = strings.ToLower(strings.TrimSpace(cfg.Jobs.AcceptMode))

	paths := cfg.Jobs.AllowedInputPaths[:0]
	for _, p := range cfg.Jobs.AllowedInputPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	cfg.Jobs.AllowedInputPaths = paths

	// Worker children run in their own workdir; relative paths would
	// resolve differently there.
	if root := strings.TrimSpace(cfg.Jobs.WorkdirRoot); root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			cfg.Jobs.WorkdirRoot = abs
		}
	}
	if abs, err := status.AbsDSN(cfg.Status.DSN); err == nil {
		cfg.Status.DSN = abs
	}
}
