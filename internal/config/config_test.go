package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoEnvOrFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxPoolSize != 3 {
		t.Fatalf("expected default maxPoolSize 3, got %d", cfg.Pool.MaxPoolSize)
	}
	if cfg.Pool.PoolCheckInterval != 10*time.Second {
		t.Fatalf("expected default poolCheckInterval 10s, got %v", cfg.Pool.PoolCheckInterval)
	}
	if cfg.Pod.DefaultPodPort != 9000 {
		t.Fatalf("expected default pod port 9000, got %d", cfg.Pod.DefaultPodPort)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("POOL_MAX_SIZE", "7")
	t.Setenv("POOL_CHECK_INTERVAL", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxPoolSize != 7 {
		t.Fatalf("expected env override maxPoolSize 7, got %d", cfg.Pool.MaxPoolSize)
	}
	if cfg.Pool.PoolCheckInterval != 2*time.Second {
		t.Fatalf("expected env override poolCheckInterval 2s, got %v", cfg.Pool.PoolCheckInterval)
	}
}

func TestLoadYAMLOverrideWinsOverEnvDefault(t *testing.T) {
	t.Setenv("POOL_MAX_SIZE", "7")

	dir := t.TempDir()
	path := filepath.Join(dir, "override.yaml")
	content := "pool:\n  maxPoolSize: 12\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxPoolSize != 12 {
		t.Fatalf("expected yaml override maxPoolSize 12, got %d", cfg.Pool.MaxPoolSize)
	}
}

func TestLoadRejectsUnknownYAMLKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := "pool:\n  maxPoolSize: 5\n  totallyUnknownField: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown key in the override file")
	}
}

func TestLoadErrorsOnMissingOverrideFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error when the override file does not exist")
	}
}
