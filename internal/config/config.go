// Package config loads the process configuration surface described in
// spec.md §6: sync scheduling, merge timeouts, EMR circuit/timeout knobs,
// token refresh margins, and persistence limits.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the root configuration document, unmarshaled from YAML.
type Config struct {
	Sync        SyncConfig        `yaml:"sync" validate:"required"`
	Merge       MergeConfig       `yaml:"merge" validate:"required"`
	EMR         EMRConfig         `yaml:"emr" validate:"required"`
	Token       TokenConfig       `yaml:"token" validate:"required"`
	Persistence PersistenceConfig `yaml:"persistence" validate:"required"`
}

// SyncConfig covers the sync.* knobs.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
}

// MergeConfig covers the merge.* knobs.
type MergeConfig struct {
	TimeoutMS                time.Duration `yaml:"timeout_ms" validate:"gt=0"`
	VectorClockPruneThreshold int          `yaml:"vector_clock_prune_threshold" validate:"gt=0"`
}

// EMRConfig covers the emr.* knobs.
type EMRConfig struct {
	RequestTimeoutMS      time.Duration `yaml:"request_timeout_ms" validate:"gt=0"`
	CircuitFailureThreshold int         `yaml:"circuit_failure_threshold" validate:"gt=0"`
	CircuitResetTimeoutMS time.Duration `yaml:"circuit_reset_timeout_ms" validate:"gt=0"`
}

// TokenConfig covers the token.* knobs.
type TokenConfig struct {
	RefreshMarginS time.Duration `yaml:"refresh_margin_s" validate:"gt=0"`
}

// PersistenceConfig covers the persistence.* knobs.
type PersistenceConfig struct {
	MaxBytes          int64         `yaml:"max_bytes" validate:"gt=0"`
	EncryptionKeyID   string        `yaml:"encryption_key_id"`
	LoadTimeout       time.Duration `yaml:"load_timeout" validate:"gt=0"`
	MigrationTimeout  time.Duration `yaml:"migration_timeout" validate:"gt=0"`
}

// Default returns the configuration with every spec.md §6 default applied.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:    300 * time.Second,
			BatchSize:   100,
			MaxAttempts: 5,
		},
		Merge: MergeConfig{
			TimeoutMS:                 500 * time.Millisecond,
			VectorClockPruneThreshold: 1000,
		},
		EMR: EMRConfig{
			RequestTimeoutMS:        30 * time.Second,
			CircuitFailureThreshold: 5,
			CircuitResetTimeoutMS:   30 * time.Second,
		},
		Token: TokenConfig{
			RefreshMarginS: 300 * time.Second,
		},
		Persistence: PersistenceConfig{
			MaxBytes:         1 << 30, // 1 GiB
			LoadTimeout:      30 * time.Second,
			MigrationTimeout: 300 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file, applying defaults for any
// section left zero-valued, then validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = defaults.Sync.Interval
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = defaults.Sync.BatchSize
	}
	if cfg.Sync.MaxAttempts == 0 {
		cfg.Sync.MaxAttempts = defaults.Sync.MaxAttempts
	}
	if cfg.Merge.TimeoutMS == 0 {
		cfg.Merge.TimeoutMS = defaults.Merge.TimeoutMS
	}
	if cfg.Merge.VectorClockPruneThreshold == 0 {
		cfg.Merge.VectorClockPruneThreshold = defaults.Merge.VectorClockPruneThreshold
	}
	if cfg.EMR.RequestTimeoutMS == 0 {
		cfg.EMR.RequestTimeoutMS = defaults.EMR.RequestTimeoutMS
	}
	if cfg.EMR.CircuitFailureThreshold == 0 {
		cfg.EMR.CircuitFailureThreshold = defaults.EMR.CircuitFailureThreshold
	}
	if cfg.EMR.CircuitResetTimeoutMS == 0 {
		cfg.EMR.CircuitResetTimeoutMS = defaults.EMR.CircuitResetTimeoutMS
	}
	if cfg.Token.RefreshMarginS == 0 {
		cfg.Token.RefreshMarginS = defaults.Token.RefreshMarginS
	}
	if cfg.Persistence.MaxBytes == 0 {
		cfg.Persistence.MaxBytes = defaults.Persistence.MaxBytes
	}
	if cfg.Persistence.LoadTimeout == 0 {
		cfg.Persistence.LoadTimeout = defaults.Persistence.LoadTimeout
	}
	if cfg.Persistence.MigrationTimeout == 0 {
		cfg.Persistence.MigrationTimeout = defaults.Persistence.MigrationTimeout
	}
}

// Validate runs struct-tag validation over every section, then enforces the
// one bound struct tags can't express: sync.interval must be >= 60s (§6).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Sync.Interval < 60*time.Second {
		return fmt.Errorf("sync.interval must be >= 60s, got %s", c.Sync.Interval)
	}
	return nil
}
