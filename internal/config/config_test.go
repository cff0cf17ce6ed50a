package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thorium.yml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config from file: %+v", cfg)
	}
	if cfg.Scheduler.MaxTriggerDepth != 5 {
		t.Fatalf("expected default MaxTriggerDepth to survive file overlay, got %d", cfg.Scheduler.MaxTriggerDepth)
	}

	t.Setenv("THORIUM_LISTEN_ADDR", ":7777")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load with env: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Fatalf("expected env var to override file value, got %q", cfg.ListenAddr)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults when config file is absent, got %+v", cfg)
	}
}
