// Package config loads geoproc configuration from defaults, an optional
// YAML file, GEOPROC_* environment variables and runtime overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity names the application for config files and environment variables.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the geoproc binary.
var DefaultIdentity = Identity{
	BinaryName: "geoproc",
	EnvPrefix:  "GEOPROC",
	ConfigName: "geoproc",
}

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Status    StatusConfig    `mapstructure:"status"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	S3        S3Config        `mapstructure:"s3"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StatusConfig selects the status store.
type StatusConfig struct {
	DSN       string `mapstructure:"dsn"`
	AuthToken string `mapstructure:"auth_token"`
}

// JobsConfig controls acceptance and local execution.
type JobsConfig struct {
	WorkdirRoot       string        `mapstructure:"workdir_root"`
	Backend           string        `mapstructure:"backend"`
	AcceptMode        string        `mapstructure:"accept_mode"`
	SyncTimeout       time.Duration `mapstructure:"sync_timeout"`
	SyncPollInterval  time.Duration `mapstructure:"sync_poll_interval"`
	AllowedInputPaths []string      `mapstructure:"allowed_input_paths"`
	CancelGrace       time.Duration `mapstructure:"cancel_grace"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	MaxQueued         int           `mapstructure:"max_queued"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval"`
}

// RateLimitConfig bounds the submit endpoint. Zero disables limiting.
type RateLimitConfig struct {
	SubmitPerSecond float64 `mapstructure:"submit_per_second"`
	Burst           int     `mapstructure:"burst"`
}

// ClusterConfig configures the batch cluster backend.
type ClusterConfig struct {
	Host                  string          `mapstructure:"host"`
	Port                  int             `mapstructure:"port"`
	User                  string          `mapstructure:"user"`
	KeyFile               string          `mapstructure:"key_file"`
	Password              string          `mapstructure:"password"`
	KnownHosts            string          `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool            `mapstructure:"insecure_ignore_host_key"`
	RemoteDir             string          `mapstructure:"remote_dir"`
	LaunchCommand         string          `mapstructure:"launch_command"`
	SubmitCommand         string          `mapstructure:"submit_command"`
	CancelCommand         string          `mapstructure:"cancel_command"`
	Scheduler             string          `mapstructure:"scheduler"`
	StatusDSN             string          `mapstructure:"status_dsn"`
	StatusAuthToken       string          `mapstructure:"status_auth_token"`
	Staging               string          `mapstructure:"staging"`
	DialTimeout           time.Duration   `mapstructure:"dial_timeout"`
	Resources             ResourcesConfig `mapstructure:"resources"`
}

type ResourcesConfig struct {
	Time      string `mapstructure:"time"`
	Memory    string `mapstructure:"memory"`
	CPUs      int    `mapstructure:"cpus"`
	Partition string `mapstructure:"partition"`
}

// S3Config holds S3 client settings shared by staging and launch.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Validate checks values that cannot be expressed as defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Logging.Profile {
	case "STRUCTURED", "CONSOLE":
	default:
		errs = append(errs, fmt.Errorf("logging.profile %q must be structured or console", c.Logging.Profile))
	}
	switch c.Jobs.Backend {
	case "local", "cluster":
	default:
		errs = append(errs, fmt.Errorf("jobs.backend %q must be local or cluster", c.Jobs.Backend))
	}
	switch c.Jobs.AcceptMode {
	case "strict", "lenient":
	default:
		errs = append(errs, fmt.Errorf("jobs.accept_mode %q must be strict or lenient", c.Jobs.AcceptMode))
	}
	if c.Jobs.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_parallel %d must not be negative", c.Jobs.MaxParallel))
	}
	if strings.TrimSpace(c.Status.DSN) == "" {
		errs = append(errs, errors.New("status.dsn is required"))
	}
	if c.RateLimit.SubmitPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must not be negative"))
	}
	if c.Jobs.Backend == "cluster" && strings.TrimSpace(c.Cluster.Host) == "" {
		errs = append(errs, errors.New("cluster.host is required when jobs.backend is cluster"))
	}

	return errors.Join(errs...)
}
