// Package config holds store tuning: duration thresholds, sync pacing
// and the remote endpoint. Values come from environment variables with
// an optional YAML profile overriding them, e.g. per study protocol.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/curalog/diarystore/pkg/materialize"
	"github.com/curalog/diarystore/pkg/syncengine"
)

// Config is the assembled store configuration.
type Config struct {
	RemoteURL    string        `yaml:"remote_url"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	BatchSize    int           `yaml:"batch_size"`
	CallTimeout  time.Duration `yaml:"call_timeout"`

	// LongDuration is the upper plausibility bound for an episode,
	// clamped into the protocol's 1–9h range at load.
	LongDuration time.Duration `yaml:"long_duration"`

	Retry syncengine.BackoffPolicy `yaml:"retry"`
}

// Load reads configuration from the environment with production defaults.
func Load() *Config {
	cfg := &Config{
		RemoteURL:    envOr("DIARY_REMOTE_URL", ""),
		SyncInterval: envDuration("DIARY_SYNC_INTERVAL", 5*time.Minute),
		BatchSize:    envInt("DIARY_SYNC_BATCH_SIZE", 50),
		CallTimeout:  envDuration("DIARY_SYNC_CALL_TIMEOUT", 15*time.Second),
		LongDuration: envDuration("DIARY_LONG_DURATION", materialize.DefaultLong),
		Retry:        syncengine.DefaultBackoff(),
	}
	cfg.clamp()
	return cfg
}

// profile is the YAML overlay shape. Durations are strings in
// time.ParseDuration form; absent fields leave the config untouched.
type profile struct {
	RemoteURL    *string                   `yaml:"remote_url"`
	SyncInterval *string                   `yaml:"sync_interval"`
	BatchSize    *int                      `yaml:"batch_size"`
	CallTimeout  *string                   `yaml:"call_timeout"`
	LongDuration *string                   `yaml:"long_duration"`
	Retry        *syncengine.BackoffPolicy `yaml:"retry"`
}

// LoadProfile overlays a YAML profile onto cfg.
func (c *Config) LoadProfile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile %s: %w", path, err)
	}
	var p profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	if p.RemoteURL != nil {
		c.RemoteURL = *p.RemoteURL
	}
	if p.BatchSize != nil {
		c.BatchSize = *p.BatchSize
	}
	if p.Retry != nil {
		c.Retry = *p.Retry
	}
	for _, field := range []struct {
		src *string
		dst *time.Duration
	}{
		{p.SyncInterval, &c.SyncInterval},
		{p.CallTimeout, &c.CallTimeout},
		{p.LongDuration, &c.LongDuration},
	} {
		if field.src == nil {
			continue
		}
		d, err := time.ParseDuration(*field.src)
		if err != nil {
			return fmt.Errorf("config: profile %s: %w", path, err)
		}
		*field.dst = d
	}

	c.clamp()
	return nil
}

// Thresholds returns the materializer thresholds implied by the config.
func (c *Config) Thresholds() materialize.Thresholds {
	return materialize.Thresholds{
		Short: materialize.DefaultShort,
		Long:  c.LongDuration,
	}.Clamp()
}

func (c *Config) clamp() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = syncengine.DefaultBackoff()
	}
	c.LongDuration = c.Thresholds().Long
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
