// Package config loads brokerd's runtime configuration (spec.md §6,
// SPEC_FULL.md §4.10): a YAML file with environment-variable and flag
// overrides. Grounded on nullbot's resolveConfig in cmd/nullbot/main.go
// — the same flag → env var → config file → default precedence chain —
// and on chainwatch's internal/redact.LoadConfig for the YAML-file-at-a
// -conventional-path loading shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evalforge/promptbroker/internal/layout"
)

// Config is brokerd's resolved runtime configuration.
type Config struct {
	BaseDirectory string `yaml:"baseDirectory"`
	AutoStart     bool   `yaml:"autoStart"`

	PollingIntervalMS     int `yaml:"pollingInterval"`
	MaintenanceIntervalMS int `yaml:"maintenanceInterval"`

	LogLevel string `yaml:"logLevel"`

	RateLimitPerMinute      int `yaml:"rateLimitPerMinute"`
	CircuitBreakerThreshold int `yaml:"circuitBreakerThreshold"`
	CircuitBreakerCooldownMS int `yaml:"circuitBreakerCooldown"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		BaseDirectory:            layout.DefaultBaseDir,
		AutoStart:                true,
		PollingIntervalMS:        1000,
		MaintenanceIntervalMS:    30000,
		LogLevel:                 "info",
		RateLimitPerMinute:       0,
		CircuitBreakerThreshold:  3,
		CircuitBreakerCooldownMS: 30000,
	}
}

// DefaultConfigPath is where Load looks when no path is given explicitly.
const DefaultConfigPath = "config/broker.yaml"

// Load resolves Config following flag → env var → config file → default
// precedence. flagPath, flagBaseDir, and flagLogLevel may be empty,
// meaning "no flag given". Integer settings have no flags; an integer env
// var that is empty, unparsable or zero counts as unset (RateLimitPerMinute's
// default is 0 anyway).
func Load(flagPath, flagBaseDir, flagLogLevel string) (Config, error) {
	cfg := Defaults()

	path := firstNonEmpty(flagPath, os.Getenv("PROMPTBROKER_CONFIG"), DefaultConfigPath)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.BaseDirectory = firstNonEmpty(flagBaseDir, os.Getenv("PROMPTBROKER_BASE_DIR"), cfg.BaseDirectory)
	cfg.LogLevel = firstNonEmpty(flagLogLevel, os.Getenv("PROMPTBROKER_LOG_LEVEL"), cfg.LogLevel)

	if v := os.Getenv("PROMPTBROKER_AUTO_START"); v != "" {
		cfg.AutoStart = v == "true" || v == "1"
	}
	if v := envInt("PROMPTBROKER_POLLING_INTERVAL_MS"); v != 0 {
		cfg.PollingIntervalMS = v
	}
	if v := envInt("PROMPTBROKER_MAINTENANCE_INTERVAL_MS"); v != 0 {
		cfg.MaintenanceIntervalMS = v
	}
	if v := envInt("PROMPTBROKER_RATE_LIMIT_PER_MINUTE"); v != 0 {
		cfg.RateLimitPerMinute = v
	}
	if v := envInt("PROMPTBROKER_CIRCUIT_BREAKER_THRESHOLD"); v != 0 {
		cfg.CircuitBreakerThreshold = v
	}
	if v := envInt("PROMPTBROKER_CIRCUIT_BREAKER_COOLDOWN_MS"); v != 0 {
		cfg.CircuitBreakerCooldownMS = v
	}

	cfg.PollingIntervalMS = clamp(cfg.PollingIntervalMS, 100, 10000)
	cfg.MaintenanceIntervalMS = clamp(cfg.MaintenanceIntervalMS, 5000, 300000)

	return cfg, nil
}

// PollingInterval and MaintenanceInterval convert the millisecond config
// fields to time.Duration for callers that construct watchers and loops.
func (c Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

func (c Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalMS) * time.Millisecond
}

func (c Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownMS) * time.Millisecond
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n := 0
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
