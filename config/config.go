// Package config loads bridge configuration from the Home Assistant
// add-on options file, with environment variable overrides for values
// injected by the supervisor at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
)

// Default option file locations. The add-on path is written by the HA
// supervisor; the local path supports development outside the add-on.
const (
	AddonOptionsPath = "/data/options.json"
	LocalOptionsPath = "options.local.json"
)

// Defaults applied when the options file omits a field
const (
	DefaultPollInterval  = 300 // seconds
	DefaultEntityPrefix  = "nostr"
	DefaultEventKind     = 30078
	DefaultDedupCapacity = 10_000
	DefaultWindowDays    = 30
	DefaultHABaseURL     = "http://supervisor/core"
)

// Config represents the complete bridge configuration
type Config struct {
	NostrPrivateKey    string   `json:"nostr_private_key"`
	PublisherPublicKey string   `json:"publisher_public_key"`
	Relays             []string `json:"relays"`
	EventKinds         []int    `json:"event_kinds"`
	PollInterval       int      `json:"poll_fallback_interval"` // seconds
	EntityPrefix       string   `json:"entity_prefix"`
	LogLevel           string   `json:"log_level"`
	DedupCapacity      int      `json:"dedup_capacity"`
	WindowDays         int      `json:"retention_window_days"`
	MetricsPort        int      `json:"metrics_port"` // 0 disables /metrics

	// Runtime — injected by the HA supervisor environment, never read
	// from the options file.
	HAToken   string `json:"-"`
	HABaseURL string `json:"-"`
}

// Load reads configuration from path. An empty path searches the add-on
// location first, then the local development file.
func Load(path string) (*Config, error) {
	if path == "" {
		switch {
		case fileExists(AddonOptionsPath):
			path = AddonOptionsPath
		case fileExists(LocalOptionsPath):
			path = LocalOptionsPath
		default:
			return nil, errors.WrapFatal(
				fmt.Errorf("no options file at %s or %s", AddonOptionsPath, LocalOptionsPath),
				"config", "Load", "locate options file")
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read options file")
	}

	cfg := &Config{
		Relays:        []string{"wss://relay.damus.io"},
		EventKinds:    []int{DefaultEventKind},
		PollInterval:  DefaultPollInterval,
		EntityPrefix:  DefaultEntityPrefix,
		LogLevel:      "info",
		DedupCapacity: DefaultDedupCapacity,
		WindowDays:    DefaultWindowDays,
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "parse options file")
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays supervisor-injected values and BRIDGE_* overrides
func (c *Config) applyEnv() {
	// The supervisor injects this token for add-ons with homeassistant_api: true
	c.HAToken = os.Getenv("SUPERVISOR_TOKEN")
	c.HABaseURL = getEnv("HA_BASE_URL", DefaultHABaseURL)

	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BRIDGE_ENTITY_PREFIX"); v != "" {
		c.EntityPrefix = v
	}
	if v := os.Getenv("BRIDGE_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PollInterval = n
		}
	}
	if v := os.Getenv("BRIDGE_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MetricsPort = n
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.NostrPrivateKey == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
			"nostr_private_key is required")
	}
	if c.PublisherPublicKey == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
			"publisher_public_key is required")
	}
	if len(c.Relays) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
			"at least one relay URL is required")
	}
	for _, url := range c.Relays {
		if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
			return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("relay URL must start with wss:// or ws://: %s", url))
		}
	}
	if len(c.EventKinds) == 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"at least one event kind is required")
	}
	if c.PollInterval <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"poll_fallback_interval must be positive")
	}
	if c.DedupCapacity < 2 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"dedup_capacity must be at least 2")
	}
	if c.WindowDays <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"retention_window_days must be positive")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("invalid metrics port: %d", c.MetricsPort))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("invalid log level: %s", c.LogLevel))
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
