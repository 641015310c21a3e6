package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no config.yaml is picked up.
	wd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(wd) })
	os.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 3456 {
		t.Fatalf("expected default port 3456, got %d", cfg.Server.Port)
	}
	if cfg.Capture.DataDir != "./data" {
		t.Fatalf("expected default data dir, got %q", cfg.Capture.DataDir)
	}
	if cfg.Upstream.ConnectTimeout != 5*time.Second {
		t.Fatalf("expected 5s connect timeout, got %v", cfg.Upstream.ConnectTimeout)
	}
	if cfg.Upstream.ReadTimeout != 600*time.Second {
		t.Fatalf("expected 600s read timeout, got %v", cfg.Upstream.ReadTimeout)
	}
	if cfg.Storage.Type != "none" {
		t.Fatalf("expected storage disabled by default, got %q", cfg.Storage.Type)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	wd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(wd) })
	os.Chdir(t.TempDir())

	t.Setenv("TAPWIRE_SERVER__PORT", "9999")
	t.Setenv("TAPWIRE_CAPTURE__VERBOSE", "true")
	t.Setenv("TAPWIRE_STORAGE__TYPE", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Fatalf("expected env port override, got %d", cfg.Server.Port)
	}
	if !cfg.Capture.Verbose {
		t.Fatalf("expected verbose override")
	}
	if cfg.Storage.Type != "sqlite" {
		t.Fatalf("expected sqlite storage, got %q", cfg.Storage.Type)
	}
}
