// Package config loads the ndictl configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the ndictl configuration.
type Config struct {
	Loopback    bool   `yaml:"loopback" json:"loopback"`
	LogLevel    string `yaml:"log_level" json:"log_level"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	Runtime RuntimeConfig `yaml:"runtime" json:"runtime"`
	Finder  FinderConfig  `yaml:"finder" json:"finder"`
	Sender  SenderConfig  `yaml:"sender" json:"sender"`
}

// RuntimeConfig mirrors the runtime options that make sense in a file.
type RuntimeConfig struct {
	Workers    int           `yaml:"workers" json:"workers"`
	DrainGrace time.Duration `yaml:"drain_grace" json:"drain_grace"`
	PollSlice  time.Duration `yaml:"poll_slice" json:"poll_slice"`
}

// FinderConfig holds discovery defaults.
type FinderConfig struct {
	ShowLocalSources bool          `yaml:"show_local_sources" json:"show_local_sources"`
	Groups           []string      `yaml:"groups" json:"groups"`
	ExtraIPs         []string      `yaml:"extra_ips" json:"extra_ips"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// SenderConfig holds defaults for the send command.
type SenderConfig struct {
	Name   string   `yaml:"name" json:"name"`
	Groups []string `yaml:"groups" json:"groups"`
	Width  int      `yaml:"width" json:"width"`
	Height int      `yaml:"height" json:"height"`
	FPS    string   `yaml:"fps" json:"fps"`
	Clock  bool     `yaml:"clock" json:"clock"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Runtime: RuntimeConfig{
			Workers:    64,
			DrainGrace: 5 * time.Second,
			PollSlice:  100 * time.Millisecond,
		},
		Finder: FinderConfig{
			ShowLocalSources: true,
			Timeout:          15 * time.Second,
		},
		Sender: SenderConfig{
			Name:   "ndictl",
			Width:  1280,
			Height: 720,
			FPS:    "30/1",
			Clock:  true,
		},
	}
}

// DefaultPath returns the default config file path: ~/.ndictl/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".ndictl", "config.yaml")
	}
	return filepath.Join(home, ".ndictl", "config.yaml")
}

// Load reads the configuration from the given YAML file path. Fields absent
// from the file keep their defaults. If the file does not exist, Load
// returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
