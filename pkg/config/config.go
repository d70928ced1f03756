// Package config loads kernel configuration from environment variables,
// optionally layered with a YAML governance profile.
package config

import (
	"os"
	"strconv"
)

// Config holds kernel configuration.
type Config struct {
	LogLevel    string
	StoreDriver string // "memory" | "sqlite" | "postgres"
	DatabaseURL string
	RedisAddr   string // empty disables distributed locking
	OTLPAddr    string // empty disables metric export

	// ReadinessThreshold is the composite readiness score below which
	// finalize requires human review.
	ReadinessThreshold float64
	// EscalateAfterRejections is the rejection count that makes a task
	// eligible for escalation.
	EscalateAfterRejections int
	// MaxLayerRetries caps retries of a failed layer; 0 means unbounded.
	MaxLayerRetries int
	// DefaultWUBudget is the work-unit budget assigned to new sessions
	// that do not specify one.
	DefaultWUBudget int64
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		LogLevel:                "INFO",
		StoreDriver:             "memory",
		ReadinessThreshold:      0.8,
		EscalateAfterRejections: 3,
		MaxLayerRetries:         0,
		DefaultWUBudget:         100,
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreDriver == "postgres" {
		cfg.DatabaseURL = "postgres://keel@localhost:5432/keel?sslmode=disable"
	}
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.OTLPAddr = os.Getenv("OTLP_ADDR")

	if v := os.Getenv("READINESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ReadinessThreshold = f
		}
	}
	if v := os.Getenv("ESCALATE_AFTER_REJECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EscalateAfterRejections = n
		}
	}
	if v := os.Getenv("MAX_LAYER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxLayerRetries = n
		}
	}
	if v := os.Getenv("DEFAULT_WU_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.DefaultWUBudget = n
		}
	}

	return cfg
}

// LoadWithProfile loads environment configuration and, when the
// GOVERNANCE_PROFILE variable names a YAML profile, overlays it. A profile
// that cannot be read or fails validation is an error rather than a silent
// fallback to defaults.
func LoadWithProfile() (*Config, error) {
	cfg := Load()
	path := os.Getenv("GOVERNANCE_PROFILE")
	if path == "" {
		return cfg, nil
	}
	profile, err := LoadProfile(path)
	if err != nil {
		return nil, err
	}
	profile.Apply(cfg)
	return cfg, nil
}
