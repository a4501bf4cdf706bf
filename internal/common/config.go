package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Queue       QueueConfig       `toml:"queue"`
	Janitor     JanitorConfig     `toml:"janitor"`
	Triggers    TriggersConfig    `toml:"triggers"`
	Workflow    WorkflowConfig    `toml:"workflow"`
	Workers     WorkersConfig     `toml:"workers"`
	Definitions DefinitionsConfig `toml:"definitions"`
	Logging     LoggingConfig     `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path           string `toml:"path"`             // Database file path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// QueueConfig controls the claim/lease/retry protocol
type QueueConfig struct {
	MaxLeaseDuration string `toml:"max_lease_duration"` // Cap on per-claim lease, e.g. "15m"
	LeaseGrace       string `toml:"lease_grace"`        // Added on top of the timeout-derived lease, e.g. "30s"
	BackoffBase      string `toml:"backoff_base"`       // Retry backoff base, e.g. "10s"
	BackoffCap       string `toml:"backoff_cap"`        // Retry backoff cap, e.g. "10m"
}

// JanitorConfig controls lease expiry and stale worker sweeps
type JanitorConfig struct {
	Enabled        bool   `toml:"enabled"`
	Interval       string `toml:"interval"`        // e.g. "30s"
	StaleThreshold string `toml:"stale_threshold"` // Worker heartbeat staleness, e.g. "90s"
}

// TriggersConfig controls the schedule scanner
type TriggersConfig struct {
	Enabled      bool   `toml:"enabled"`
	ScanInterval string `toml:"scan_interval"` // e.g. "15s"
}

// WorkflowConfig controls the orchestrator reconciler
type WorkflowConfig struct {
	ReconcileEnabled  bool   `toml:"reconcile_enabled"`
	ReconcileInterval string `toml:"reconcile_interval"` // e.g. "60s"
	ReconcileBatch    int    `toml:"reconcile_batch"`    // Max running runs repaired per cycle
}

// WorkersConfig controls the embedded worker runtime
type WorkersConfig struct {
	Enabled      bool     `toml:"enabled"`
	Concurrency  int      `toml:"concurrency"`   // In-process worker slots
	Queues       []string `toml:"queues"`        // Definition keys or globs accepted ("*" = all)
	PollInterval string   `toml:"poll_interval"` // e.g. "1s"
	DrainGrace   string   `toml:"drain_grace"`   // SIGTERM grace window for in-flight jobs, e.g. "30s"
}

// DefinitionsConfig contains configuration for definition seed files
type DefinitionsConfig struct {
	Dir string `toml:"dir"` // Directory containing job/workflow definition files (TOML/YAML/JSON)
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings belong in opus.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path: "./data/opus.db",
			},
		},
		Queue: QueueConfig{
			MaxLeaseDuration: "15m",
			LeaseGrace:       "30s",
			BackoffBase:      "10s",
			BackoffCap:       "10m",
		},
		Janitor: JanitorConfig{
			Enabled:        true,
			Interval:       "30s",
			StaleThreshold: "90s",
		},
		Triggers: TriggersConfig{
			Enabled:      true,
			ScanInterval: "15s",
		},
		Workflow: WorkflowConfig{
			ReconcileEnabled:  true,
			ReconcileInterval: "60s",
			ReconcileBatch:    20,
		},
		Workers: WorkersConfig{
			Enabled:      true,
			Concurrency:  2,
			Queues:       []string{"*"},
			PollInterval: "1s",
			DrainGrace:   "30s",
		},
		Definitions: DefinitionsConfig{
			Dir: "./definitions",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadFromFiles loads configuration by layering: defaults -> file1 -> file2
// -> ... -> environment overrides. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("OPUS_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("OPUS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("OPUS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("OPUS_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}

	if level := os.Getenv("OPUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if concurrency := os.Getenv("OPUS_WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Workers.Concurrency = c
		}
	}
	if interval := os.Getenv("OPUS_WORKER_POLL_INTERVAL"); interval != "" {
		config.Workers.PollInterval = interval
	}

	if dir := os.Getenv("OPUS_DEFINITIONS_DIR"); dir != "" {
		config.Definitions.Dir = dir
	}
}

// Validate checks configuration consistency before startup
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required")
	}
	if c.Workers.Enabled && c.Workers.Concurrency < 1 {
		return fmt.Errorf("workers.concurrency must be at least 1 when workers are enabled")
	}

	durations := map[string]string{
		"queue.max_lease_duration":    c.Queue.MaxLeaseDuration,
		"queue.lease_grace":           c.Queue.LeaseGrace,
		"queue.backoff_base":          c.Queue.BackoffBase,
		"queue.backoff_cap":           c.Queue.BackoffCap,
		"janitor.interval":            c.Janitor.Interval,
		"janitor.stale_threshold":     c.Janitor.StaleThreshold,
		"triggers.scan_interval":      c.Triggers.ScanInterval,
		"workflow.reconcile_interval": c.Workflow.ReconcileInterval,
		"workers.poll_interval":       c.Workers.PollInterval,
		"workers.drain_grace":         c.Workers.DrainGrace,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}

	return nil
}

// ParseDuration parses a config duration string, falling back to a default
// when the value is empty or malformed.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
