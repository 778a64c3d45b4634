// Package config loads service settings from an optional snippetbox.yaml,
// SNIPPETBOX_* environment variables and built-in defaults, in that order
// of precedence from lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sakif/snippetbox/internal/environment"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
)

const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	Retention time.Duration `mapstructure:"retention"`
}

type WorkspaceConfig struct {
	Dir      string        `mapstructure:"dir"`
	SweepAge time.Duration `mapstructure:"sweep_age"`
}

type DockerConfig struct {
	CPULimit  float64 `mapstructure:"cpu_limit"`
	PidsLimit int64   `mapstructure:"pids_limit"`
	PoolSize  int     `mapstructure:"pool_size"`
}

type RunnerConfig struct {
	Backend        string        `mapstructure:"backend"`
	PoolSize       int64         `mapstructure:"pool_size"`
	QueueTimeout   time.Duration `mapstructure:"queue_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	MaxSourceBytes int           `mapstructure:"max_source_bytes"`
	MaxPackages    int           `mapstructure:"max_packages"`
	PipIndexURL    string        `mapstructure:"pip_index_url"`
	Preinstall     []string      `mapstructure:"preinstall"`
	Docker         DockerConfig  `mapstructure:"docker"`
}

// LimitValues is the file/env form of limiter.Limits.
type LimitValues struct {
	CPUTime       time.Duration `mapstructure:"cpu_time"`
	MemoryBytes   int64         `mapstructure:"memory_bytes"`
	WallClock     time.Duration `mapstructure:"wall_clock"`
	FileSizeBytes int64         `mapstructure:"file_size_bytes"`
	Processes     int64         `mapstructure:"processes"`
}

func (v LimitValues) limits() limiter.Limits {
	return limiter.Limits{
		CPUTime:       v.CPUTime,
		MemoryBytes:   v.MemoryBytes,
		WallClock:     v.WallClock,
		FileSizeBytes: v.FileSizeBytes,
		Processes:     v.Processes,
	}
}

type LimitsConfig struct {
	Defaults               LimitValues `mapstructure:"defaults"`
	Ceiling                LimitValues `mapstructure:"ceiling"`
	AllowUntrustedOverride bool        `mapstructure:"allow_untrusted_override"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	OperatorKeyHash string        `mapstructure:"operator_key_hash"`
}

type RateLimitConfig struct {
	GlobalRPS    float64 `mapstructure:"global_rps"`
	PerClientRPS float64 `mapstructure:"per_client_rps"`
	Burst        int     `mapstructure:"burst"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	// Environments maps a language to "ephemeral" or "shared".
	Environments map[string]string `mapstructure:"environments"`
	Auth         AuthConfig        `mapstructure:"auth"`
	RateLimit    RateLimitConfig   `mapstructure:"rate_limit"`
}

func setDefaults(v *viper.Viper) {
	def := limiter.DefaultPolicy()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_bytes", 256*1024)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.db_path", "data/snippetbox.db")
	v.SetDefault("storage.retention", 7*24*time.Hour)

	v.SetDefault("workspace.dir", "data/workspace")
	v.SetDefault("workspace.sweep_age", time.Hour)

	v.SetDefault("runner.backend", BackendProcess)
	v.SetDefault("runner.pool_size", 4)
	v.SetDefault("runner.queue_timeout", 30*time.Second)
	v.SetDefault("runner.max_output_bytes", 1<<20)
	v.SetDefault("runner.max_source_bytes", 64*1024)
	v.SetDefault("runner.max_packages", 16)
	v.SetDefault("runner.pip_index_url", "")
	v.SetDefault("runner.preinstall", []string{})
	v.SetDefault("runner.docker.cpu_limit", 0.5)
	v.SetDefault("runner.docker.pids_limit", 64)
	v.SetDefault("runner.docker.pool_size", 2)

	v.SetDefault("limits.defaults.cpu_time", def.Defaults.CPUTime)
	v.SetDefault("limits.defaults.memory_bytes", def.Defaults.MemoryBytes)
	v.SetDefault("limits.defaults.wall_clock", def.Defaults.WallClock)
	v.SetDefault("limits.defaults.file_size_bytes", def.Defaults.FileSizeBytes)
	v.SetDefault("limits.defaults.processes", def.Defaults.Processes)
	v.SetDefault("limits.ceiling.cpu_time", def.Ceiling.CPUTime)
	v.SetDefault("limits.ceiling.memory_bytes", def.Ceiling.MemoryBytes)
	v.SetDefault("limits.ceiling.wall_clock", def.Ceiling.WallClock)
	v.SetDefault("limits.ceiling.file_size_bytes", def.Ceiling.FileSizeBytes)
	v.SetDefault("limits.ceiling.processes", def.Ceiling.Processes)
	v.SetDefault("limits.allow_untrusted_override", false)

	v.SetDefault("environments", map[string]string{string(model.Python): environment.SharedCached.String()})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 15*time.Minute)
	v.SetDefault("auth.operator_key_hash", "")

	v.SetDefault("rate_limit.global_rps", 20.0)
	v.SetDefault("rate_limit.per_client_rps", 2.0)
	v.SetDefault("rate_limit.burst", 5)
}

// Load reads configuration. An empty path searches for snippetbox.yaml in
// the working directory and /etc/snippetbox; a missing file is not an
// error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SNIPPETBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("snippetbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/snippetbox")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Runner.Backend {
	case BackendProcess, BackendDocker:
	default:
		return fmt.Errorf("config: runner.backend must be %q or %q, got %q", BackendProcess, BackendDocker, c.Runner.Backend)
	}
	if c.Runner.PoolSize <= 0 {
		return errors.New("config: runner.pool_size must be positive")
	}
	if c.Workspace.Dir == "" {
		return errors.New("config: workspace.dir is required")
	}
	if _, err := c.Strategies(); err != nil {
		return err
	}
	p := c.Policy()
	if err := p.Defaults.Validate(); err != nil {
		return fmt.Errorf("config: limits.defaults: %w", err)
	}
	if err := p.Ceiling.Validate(); err != nil {
		return fmt.Errorf("config: limits.ceiling: %w", err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Policy returns the configured limit policy.
func (c *Config) Policy() limiter.Policy {
	return limiter.Policy{
		Defaults:               c.Limits.Defaults.limits(),
		Ceiling:                c.Limits.Ceiling.limits(),
		AllowUntrustedOverride: c.Limits.AllowUntrustedOverride,
	}
}

// Strategies returns the environment kind configured per language.
func (c *Config) Strategies() (map[model.Language]environment.Kind, error) {
	out := make(map[model.Language]environment.Kind, len(c.Environments))
	for lang, raw := range c.Environments {
		kind, err := environment.ParseKind(raw)
		if err != nil {
			return nil, fmt.Errorf("config: environments.%s: %w", lang, err)
		}
		out[model.Language(strings.ToLower(lang))] = kind
	}
	return out, nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: invalid log.level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger. Format "json" selects the JSON
// handler; anything else is text.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
