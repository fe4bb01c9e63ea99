// Package config loads loom's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide settings. Flags override file values.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// DefaultMimeType is used for artifacts created without one.
	DefaultMimeType string `yaml:"default_mime_type"`
	// Watch configures the terminal monitor.
	Watch WatchConfig `yaml:"watch"`
}

// WatchConfig configures the watch TUI.
type WatchConfig struct {
	// RefreshSec is the poll interval in seconds.
	RefreshSec int `yaml:"refresh_sec"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DBPath:          filepath.Join(home, ".loom", "loom.db"),
		DefaultMimeType: "text/markdown",
		Watch:           WatchConfig{RefreshSec: 2},
	}
}

// Load reads the config file at path, falling back to defaults when
// the file does not exist. Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Watch.RefreshSec <= 0 {
		cfg.Watch.RefreshSec = 2
	}
	return cfg, nil
}
