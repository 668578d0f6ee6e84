// Package config holds the startup configuration for the broker and cache.
// The core packages never read files themselves; everything they need is
// loaded here once and handed to them as plain values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all broker configuration.
type Config struct {
	// Web-layer settings, consumed by the presentation layer.
	SecretKey       string `yaml:"secret-key"`
	ProxyTrustDepth int    `yaml:"proxy-trust-depth"`

	// Platform (BAAS) account secrets.
	BAASProfileID string `yaml:"baas-profile-id"`
	BAASUserID    string `yaml:"baas-user-id"`
	BAASPassword  string `yaml:"baas-password"`

	// Game account secrets.
	ACNHUserID   string `yaml:"acnh-user-id"`
	ACNHPassword string `yaml:"acnh-password"`

	// The operator's in-game design creator ID.
	DesignCreatorID string `yaml:"acnh-design-creator-id"`

	// Console key material inputs.
	KeysetPath   string `yaml:"keyset-path"`
	ProdinfoPath string `yaml:"prodinfo-path"`
	TicketPath   string `yaml:"ticket-path"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// UpstreamConfig points at the platform login and game API hosts.
type UpstreamConfig struct {
	PlatformBaseURL string `yaml:"platform-base-url"`
	GameBaseURL     string `yaml:"game-base-url"`
	Timeout         string `yaml:"timeout"`
}

// CacheConfig bounds the in-memory design cache.
type CacheConfig struct {
	BudgetBytes int64 `yaml:"budget-bytes"`
}

// DatabaseConfig locates the sqlite metadata store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ProxyTrustDepth: 1,
		Upstream: UpstreamConfig{
			PlatformBaseURL: "https://e0d67c509fb203858ebcb2fe3f88c2aa.baas.nintendo.com",
			GameBaseURL:     "https://api.hac.lp1.acbaa.srv.nintendo.net",
			Timeout:         "30s",
		},
		Cache: CacheConfig{
			BudgetBytes: 256 << 20,
		},
		Database: DatabaseConfig{
			Path: "data/acnh.db",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "data/logs",
		},
	}
}

// Load loads configuration from a YAML file, applying defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file. Secrets included; keep the
// file permissions tight.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// applyEnvOverrides applies environment variable overrides. Secrets are the
// values most likely to live outside the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ACNH_BAAS_PASSWORD"); v != "" {
		c.BAASPassword = v
	}
	if v := os.Getenv("ACNH_PASSWORD"); v != "" {
		c.ACNHPassword = v
	}
	if v := os.Getenv("ACNH_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ACNH_KEYSET"); v != "" {
		c.KeysetPath = v
	}
	if v := os.Getenv("ACNH_PRODINFO"); v != "" {
		c.ProdinfoPath = v
	}
	if v := os.Getenv("ACNH_TICKET"); v != "" {
		c.TicketPath = v
	}
}

// Validate checks that everything the broker cannot run without is present.
func (c *Config) Validate() error {
	required := []struct {
		name, value string
	}{
		{"baas-profile-id", c.BAASProfileID},
		{"baas-user-id", c.BAASUserID},
		{"baas-password", c.BAASPassword},
		{"acnh-user-id", c.ACNHUserID},
		{"acnh-password", c.ACNHPassword},
		{"keyset-path", c.KeysetPath},
		{"prodinfo-path", c.ProdinfoPath},
		{"ticket-path", c.TicketPath},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("config: %s is required", r.name)
		}
	}
	if c.Cache.BudgetBytes <= 0 {
		return fmt.Errorf("config: cache budget-bytes must be positive")
	}
	return nil
}

// UpstreamTimeout returns the upstream HTTP timeout as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	d, err := time.ParseDuration(c.Upstream.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
