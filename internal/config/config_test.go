package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
sync:
  interval: 120s
  batch_size: 50
  max_attempts: 4
merge:
  timeout_ms: 250ms
  vector_clock_prune_threshold: 500
emr:
  request_timeout_ms: 10s
  circuit_failure_threshold: 3
  circuit_reset_timeout_ms: 15s
token:
  refresh_margin_s: 120s
persistence:
  max_bytes: 2147483648
  encryption_key_id: kms-key-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sync.Interval != 120*time.Second {
		t.Errorf("Sync.Interval = %v", cfg.Sync.Interval)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("Sync.BatchSize = %d", cfg.Sync.BatchSize)
	}
	if cfg.Merge.TimeoutMS != 250*time.Millisecond {
		t.Errorf("Merge.TimeoutMS = %v", cfg.Merge.TimeoutMS)
	}
	if cfg.EMR.CircuitFailureThreshold != 3 {
		t.Errorf("EMR.CircuitFailureThreshold = %d", cfg.EMR.CircuitFailureThreshold)
	}
	if cfg.Persistence.EncryptionKeyID != "kms-key-1" {
		t.Errorf("Persistence.EncryptionKeyID = %q", cfg.Persistence.EncryptionKeyID)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
sync:
  batch_size: 20
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sync.Interval != 300*time.Second {
		t.Errorf("Sync.Interval default = %v, want 300s", cfg.Sync.Interval)
	}
	if cfg.Sync.BatchSize != 20 {
		t.Errorf("Sync.BatchSize = %d, want 20", cfg.Sync.BatchSize)
	}
	if cfg.Merge.VectorClockPruneThreshold != 1000 {
		t.Errorf("Merge.VectorClockPruneThreshold default = %d", cfg.Merge.VectorClockPruneThreshold)
	}
	if cfg.Persistence.MaxBytes != 1<<30 {
		t.Errorf("Persistence.MaxBytes default = %d", cfg.Persistence.MaxBytes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "sync: [\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadRejectsIntervalBelowMinimum(t *testing.T) {
	path := writeConfig(t, `
sync:
  interval: 10s
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for interval below 60s")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should be valid: %v", err)
	}
}
