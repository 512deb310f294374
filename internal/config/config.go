// Package config loads flasher settings from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "trackbot-flasher.yaml"

// DefaultManifest is used when no manifest is configured.
const DefaultManifest = "manifest.json"

// Config holds the settings a command line flag can override.
type Config struct {
	// Port is the serial device to use. Empty means ask.
	Port string `yaml:"port"`
	// Manifest is a path or http(s) URL.
	Manifest string `yaml:"manifest"`
	Write    bool   `yaml:"write"`
	Verify   bool   `yaml:"verify"`
	// Raw selects the raw termios backend on Linux.
	Raw      bool   `yaml:"raw"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Manifest: DefaultManifest,
		Verify:   true,
		LogLevel: "info",
	}
}

// Load reads path over the defaults. ${VAR} and $VAR references are
// expanded from the environment first. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are
// ignored. Variables already set are kept.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks the settings that cannot be checked by their users.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Manifest) == "" {
		return fmt.Errorf("config: manifest is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
	}
}
