package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath == "" {
		t.Error("Default db path should not be empty")
	}
	if cfg.DefaultMimeType != "text/markdown" {
		t.Errorf("Unexpected default mime type: %s", cfg.DefaultMimeType)
	}
	if cfg.Watch.RefreshSec != 2 {
		t.Errorf("Unexpected default refresh: %d", cfg.Watch.RefreshSec)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should fall back to defaults: %v", err)
	}
	if cfg.DBPath == "" {
		t.Error("Fallback config should carry defaults")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	content := "db_path: /tmp/custom.db\nwatch:\n  refresh_sec: 10\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("Expected overridden db path, got %s", cfg.DBPath)
	}
	if cfg.Watch.RefreshSec != 10 {
		t.Errorf("Expected refresh 10, got %d", cfg.Watch.RefreshSec)
	}
	// Unset fields keep defaults
	if cfg.DefaultMimeType != "text/markdown" {
		t.Errorf("Unset field should keep default, got %s", cfg.DefaultMimeType)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("db_path: [unclosed"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("Malformed YAML should fail")
	}
}
