// Package config handles wagate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./wagate.yaml, ~/.config/wagate/wagate.yaml, /etc/wagate/wagate.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"wagate.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wagate", "wagate.yaml"))
	}

	paths = append(paths, "/etc/wagate/wagate.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all wagate configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Store     StoreConfig     `yaml:"store"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Notify    NotifyConfig    `yaml:"notify"`
	API       APIConfig       `yaml:"api"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the command API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8799
}

// StoreConfig defines on-disk storage locations.
type StoreConfig struct {
	// CredsDir is the root directory holding one credential directory
	// per tenant. Created on first use.
	CredsDir string `yaml:"creds_dir"`
	// MessageLog is the SQLite path for the outbound delivery log.
	// Empty disables the log.
	MessageLog string `yaml:"message_log"`
}

// UpstreamConfig defines the wire-protocol bridge connection.
type UpstreamConfig struct {
	// URL is the base URL of the bridge daemon (http(s) scheme;
	// converted to ws(s) for the socket).
	URL string `yaml:"url"`
	// Token is the bearer token presented on dial.
	Token string `yaml:"token"`
	// DialTimeoutSec bounds the websocket dial + handshake (default 20).
	DialTimeoutSec int `yaml:"dial_timeout_sec"`
}

// ReconnectConfig tunes the per-session reconnection controller.
// Zero values take the built-in defaults.
type ReconnectConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`    // default 2
	FirstDelaySec int `yaml:"first_delay_sec"` // delay before attempt 1 (default 2)
	NextDelaySec  int `yaml:"next_delay_sec"`  // delay before attempts 2+ (default 5)
	RetryDelaySec int `yaml:"retry_delay_sec"` // re-entry delay after a failed attempt (default 1)
}

// NotifyConfig defines the failure-telemetry sink. Leaving URL empty
// disables reporting entirely.
type NotifyConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// APIConfig defines command-surface authentication. Empty token
// disables auth (local deployments behind a reverse proxy).
type APIConfig struct {
	Token string `yaml:"token"`
}

// DialTimeout returns the upstream dial timeout as a duration.
func (u UpstreamConfig) DialTimeout() time.Duration {
	if u.DialTimeoutSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(u.DialTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8799},
		Store: StoreConfig{
			CredsDir: "creds",
		},
	}
}
