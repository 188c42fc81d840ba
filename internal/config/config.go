// Package config provides configuration types and defaults for cursord.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/promptops/cursord/internal/log"
)

// RunnerConfig holds subprocess supervision limits.
type RunnerConfig struct {
	// MaxConcurrent caps in-flight worker/reviewer invocations process-wide.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// HardTimeoutMs is the wall-clock budget for a single invocation.
	HardTimeoutMs int `mapstructure:"hard_timeout_ms"`
	// IdleTimeoutMs fires when no output has been observed for this long,
	// armed only after the first byte arrives.
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms"`
	// IterateTimeoutMs is the per-invocation budget inside the iterate loop.
	IterateTimeoutMs int `mapstructure:"iterate_timeout_ms"`
	// MaxOutputBytes caps combined stdout+stderr per invocation.
	MaxOutputBytes int64 `mapstructure:"max_output_bytes"`
}

// WorkerConfig identifies the external coding-assistant CLI.
type WorkerConfig struct {
	// CLIPath is the path to the worker binary.
	CLIPath string `mapstructure:"cli_path"`
	// Model is passed via --model. "auto" lets the CLI pick.
	Model string `mapstructure:"model"`
	// Home overrides HOME for spawned processes so the worker reads a
	// deterministic configuration directory. Empty means inherit.
	Home string `mapstructure:"home"`
}

// MemoryConfig holds conversation store settings.
type MemoryConfig struct {
	// RedisAddr is the Redis endpoint. Empty selects the in-process store.
	RedisAddr string `mapstructure:"redis_addr"`
	// RedisPassword is optional.
	RedisPassword string `mapstructure:"redis_password"`
	// TTLSeconds is the inactivity expiration for conversations.
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// IterateConfig holds review-loop settings.
type IterateConfig struct {
	// MaxIterations bounds the review-and-resume loop.
	MaxIterations int `mapstructure:"max_iterations"`
	// ReviewTimeoutMs is the budget for a single reviewer invocation.
	ReviewTimeoutMs int `mapstructure:"review_timeout_ms"`
}

// TracingConfig mirrors internal/tracing.Config for file-based configuration.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for cursord.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr"`
	// RepositoriesRoot is the directory under which repository names resolve.
	RepositoriesRoot string `mapstructure:"repositories_root"`
	// WebhookSecret signs outbound result callbacks.
	WebhookSecret string `mapstructure:"webhook_secret"`
	// HistoryDBPath is the SQLite job-history database. Empty disables history.
	HistoryDBPath string `mapstructure:"history_db_path"`

	Runner  RunnerConfig  `mapstructure:"runner"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Iterate IterateConfig `mapstructure:"iterate"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:             "localhost:8642",
		RepositoriesRoot: ".",
		HistoryDBPath:    "",
		Runner: RunnerConfig{
			MaxConcurrent:    5,
			HardTimeoutMs:    int((30 * time.Minute).Milliseconds()),
			IdleTimeoutMs:    int((10 * time.Minute).Milliseconds()),
			IterateTimeoutMs: int((30 * time.Minute).Milliseconds()),
			MaxOutputBytes:   10 * 1024 * 1024,
		},
		Worker: WorkerConfig{
			CLIPath: "cursor-agent",
			Model:   "auto",
		},
		Memory: MemoryConfig{
			TTLSeconds: int((24 * time.Hour).Seconds()),
		},
		Iterate: IterateConfig{
			MaxIterations:   5,
			ReviewTimeoutMs: int((5 * time.Minute).Milliseconds()),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// envBindings maps the documented environment variables onto config keys.
var envBindings = map[string]string{
	"addr":                      "CURSORD_ADDR",
	"repositories_root":         "REPOSITORIES_ROOT",
	"webhook_secret":            "WEBHOOK_SECRET",
	"history_db_path":           "HISTORY_DB_PATH",
	"runner.max_concurrent":     "MAX_CONCURRENT_INVOCATIONS",
	"runner.hard_timeout_ms":    "HARD_TIMEOUT_MS",
	"runner.idle_timeout_ms":    "IDLE_TIMEOUT_MS",
	"runner.iterate_timeout_ms": "ITERATE_TIMEOUT_MS",
	"runner.max_output_bytes":   "MAX_OUTPUT_BYTES",
	"worker.cli_path":           "WORKER_CLI_PATH",
	"worker.model":              "WORKER_MODEL",
	"worker.home":               "WORKER_HOME",
	"memory.redis_addr":         "REDIS_ADDR",
	"memory.redis_password":     "REDIS_PASSWORD",
	"memory.ttl_seconds":        "MEMORY_TTL_SECONDS",
	"iterate.max_iterations":    "ITERATE_MAX_ITERATIONS",
	"iterate.review_timeout_ms": "REVIEW_TIMEOUT_MS",
	"tracing.enabled":           "TRACE_ENABLED",
	"tracing.exporter":          "TRACE_EXPORTER",
	"tracing.otlp_endpoint":     "TRACE_OTLP_ENDPOINT",
}

// Load reads configuration from the config file (if present) and the
// environment. Explicit path "" searches ~/.config/cursord/config.yaml.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults := Default()
	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("repositories_root", defaults.RepositoriesRoot)
	v.SetDefault("history_db_path", defaults.HistoryDBPath)
	v.SetDefault("runner.max_concurrent", defaults.Runner.MaxConcurrent)
	v.SetDefault("runner.hard_timeout_ms", defaults.Runner.HardTimeoutMs)
	v.SetDefault("runner.idle_timeout_ms", defaults.Runner.IdleTimeoutMs)
	v.SetDefault("runner.iterate_timeout_ms", defaults.Runner.IterateTimeoutMs)
	v.SetDefault("runner.max_output_bytes", defaults.Runner.MaxOutputBytes)
	v.SetDefault("worker.cli_path", defaults.Worker.CLIPath)
	v.SetDefault("worker.model", defaults.Worker.Model)
	v.SetDefault("memory.ttl_seconds", defaults.Memory.TTLSeconds)
	v.SetDefault("iterate.max_iterations", defaults.Iterate.MaxIterations)
	v.SetDefault("iterate.review_timeout_ms", defaults.Iterate.ReviewTimeoutMs)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
			// No config file is fine; env and defaults apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	log.Debug(log.CatConfig, "configuration loaded",
		"addr", cfg.Addr,
		"repositoriesRoot", cfg.RepositoriesRoot,
		"maxConcurrent", cfg.Runner.MaxConcurrent,
		"redis", cfg.Memory.RedisAddr != "")
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.Runner.MaxConcurrent < 1 {
		return fmt.Errorf("runner.max_concurrent must be >= 1, got %d", c.Runner.MaxConcurrent)
	}
	if c.Runner.HardTimeoutMs < c.Runner.IdleTimeoutMs {
		return fmt.Errorf("runner.hard_timeout_ms (%d) must be >= runner.idle_timeout_ms (%d)",
			c.Runner.HardTimeoutMs, c.Runner.IdleTimeoutMs)
	}
	if c.Runner.MaxOutputBytes <= 0 {
		return fmt.Errorf("runner.max_output_bytes must be positive, got %d", c.Runner.MaxOutputBytes)
	}
	if c.Worker.CLIPath == "" {
		return fmt.Errorf("worker.cli_path is required")
	}
	if c.Iterate.MaxIterations < 0 {
		return fmt.Errorf("iterate.max_iterations must be >= 0, got %d", c.Iterate.MaxIterations)
	}
	return nil
}

// HardTimeout returns the hard timeout as a duration.
func (c RunnerConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a duration.
func (c RunnerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// IterateTimeout returns the per-iteration invocation timeout as a duration.
func (c RunnerConfig) IterateTimeout() time.Duration {
	return time.Duration(c.IterateTimeoutMs) * time.Millisecond
}

// TTL returns the conversation TTL as a duration.
func (c MemoryConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ReviewTimeout returns the reviewer invocation timeout as a duration.
func (c IterateConfig) ReviewTimeout() time.Duration {
	return time.Duration(c.ReviewTimeoutMs) * time.Millisecond
}

// DefaultConfigDir returns ~/.config/cursord, falling back to the working
// directory when the home directory cannot be determined.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cursord")
}
