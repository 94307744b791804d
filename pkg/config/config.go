// Package config loads the engine's runtime configuration, grounded on the
// teacher stack's envdecode+godotenv+yaml.v3 layering: an optional YAML
// file is read first, then ENTITYSTORE_*-prefixed environment variables
// overlay it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Adapter names the storage backend a Config selects.
type Adapter string

const (
	AdapterMemory   Adapter = "memory"
	AdapterPostgres Adapter = "postgres"
)

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"ENTITYSTORE_LOG_LEVEL"`
	Format     string `yaml:"format" env:"ENTITYSTORE_LOG_FORMAT"`
	Output     string `yaml:"output" env:"ENTITYSTORE_LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"ENTITYSTORE_LOG_FILE_PREFIX"`
}

// Config is the top-level configuration for an entity-store instance. Its
// four primary options mirror the external-interface options the engine
// exposes: Scope, SynchronousEventDispatch, InitialDispatchFailureDelay,
// and MaxDispatchFailureDelay.
type Config struct {
	// Scope partitions rows and event batches sharing one physical store
	// (e.g. a tenant id). Empty means unscoped.
	Scope string `yaml:"scope" env:"ENTITYSTORE_SCOPE"`

	// SynchronousEventDispatch, when true, makes Commit block on
	// dispatching a batch's events before returning. When false, batches
	// are handed to the dispatcher without the committing caller waiting.
	SynchronousEventDispatch bool `yaml:"synchronous_event_dispatch" env:"ENTITYSTORE_SYNCHRONOUS_EVENT_DISPATCH"`

	// InitialDispatchFailureDelay is the first backoff wait after a failed
	// dispatch attempt.
	InitialDispatchFailureDelay time.Duration `yaml:"initial_dispatch_failure_delay" env:"ENTITYSTORE_INITIAL_DISPATCH_FAILURE_DELAY"`

	// MaxDispatchFailureDelay bounds the exponential backoff.
	MaxDispatchFailureDelay time.Duration `yaml:"max_dispatch_failure_delay" env:"ENTITYSTORE_MAX_DISPATCH_FAILURE_DELAY"`

	// DispatchJitter is the fractional +/- randomization applied to each
	// dispatch backoff wait.
	DispatchJitter float64 `yaml:"dispatch_jitter" env:"ENTITYSTORE_DISPATCH_JITTER"`

	// Adapter selects the storage backend.
	Adapter Adapter `yaml:"adapter" env:"ENTITYSTORE_ADAPTER"`

	// PostgresDSN is the connection string used when Adapter is
	// AdapterPostgres.
	PostgresDSN string `yaml:"postgres_dsn" env:"ENTITYSTORE_POSTGRES_DSN"`

	// PostgresMigrateOnStart applies embedded schema migrations at
	// startup when true.
	PostgresMigrateOnStart bool `yaml:"postgres_migrate_on_start" env:"ENTITYSTORE_POSTGRES_MIGRATE_ON_START"`

	// RedisURL, when set, backs the revision cache with a shared Redis
	// instance instead of the in-process cache.
	RedisURL string `yaml:"redis_url" env:"ENTITYSTORE_REDIS_URL"`

	Logging LoggingConfig `yaml:"logging"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		SynchronousEventDispatch:    false,
		InitialDispatchFailureDelay: 250 * time.Millisecond,
		MaxDispatchFailureDelay:     30 * time.Second,
		DispatchJitter:              0.2,
		Adapter:                     AdapterMemory,
		PostgresMigrateOnStart:      true,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "entitystore",
		},
	}
}

// Load reads configuration from an optional YAML file (path, or
// ENTITYSTORE_CONFIG_FILE/configs/config.yaml if path is empty) and
// overlays ENTITYSTORE_*-prefixed environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("ENTITYSTORE_CONFIG_FILE"))
	}
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
