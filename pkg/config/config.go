// Package config loads server configuration from a JSON file or from
// FORUMHALL_* environment variables, with env taking precedence over file
// values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Domain is the federation domain this server is authoritative for.
	// Actors handle@Domain are local; everyone else resolves remotely.
	Domain string `json:"domain"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `json:"listen_addr"`

	// DataDir is the on-disk store location. Empty runs an in-memory store,
	// which only makes sense for tests and local experiments.
	DataDir string `json:"data_dir"`

	Contact  string `json:"contact,omitempty"`
	LogLevel string `json:"log_level"`

	// SkewWindow bounds how far a signed timestamp may drift from server
	// time in either direction.
	SkewWindow Duration `json:"skew_window"`

	// KeyCacheTTL caps how long remotely discovered keys are cached.
	KeyCacheTTL Duration `json:"key_cache_ttl"`

	// NegativeTTL caps how long a definitive key-not-found answer is
	// remembered before remote discovery is retried.
	NegativeTTL Duration `json:"negative_ttl"`

	// IdempotencyRetention is how long idempotency tokens dedupe retries.
	IdempotencyRetention Duration `json:"idempotency_retention"`

	// RealtimeQueueSize is the per-session outbound frame buffer.
	RealtimeQueueSize int `json:"realtime_queue_size"`
}

// Duration marshals as a Go duration string ("5m", "24h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func Default() *Config {
	return &Config{
		Domain:               "localhost",
		ListenAddr:           ":8080",
		LogLevel:             "info",
		SkewWindow:           Duration(5 * time.Minute),
		KeyCacheTTL:          Duration(time.Hour),
		NegativeTTL:          Duration(30 * time.Second),
		IdempotencyRetention: Duration(24 * time.Hour),
		RealtimeQueueSize:    64,
	}
}

// Load reads the config file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Domain = getEnv("FORUMHALL_DOMAIN", c.Domain)
	c.ListenAddr = getEnv("FORUMHALL_LISTEN_ADDR", c.ListenAddr)
	c.DataDir = getEnv("FORUMHALL_DATA_DIR", c.DataDir)
	c.Contact = getEnv("FORUMHALL_CONTACT", c.Contact)
	c.LogLevel = getEnv("FORUMHALL_LOG_LEVEL", c.LogLevel)
	c.SkewWindow = getDurationEnv("FORUMHALL_SKEW_WINDOW", c.SkewWindow)
	c.KeyCacheTTL = getDurationEnv("FORUMHALL_KEY_CACHE_TTL", c.KeyCacheTTL)
	c.NegativeTTL = getDurationEnv("FORUMHALL_NEGATIVE_TTL", c.NegativeTTL)
	c.IdempotencyRetention = getDurationEnv("FORUMHALL_IDEMPOTENCY_RETENTION", c.IdempotencyRetention)
	c.RealtimeQueueSize = getIntEnv("FORUMHALL_REALTIME_QUEUE_SIZE", c.RealtimeQueueSize)
}

func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain must be set")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.SkewWindow.Std() <= 0 {
		return fmt.Errorf("skew_window must be positive")
	}
	if c.RealtimeQueueSize < 0 {
		return fmt.Errorf("realtime_queue_size must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue Duration) Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return Duration(parsed)
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
