// Package config provides configuration file support for apibuddy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the apibuddy configuration file.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Throttling configuration
	Throttling ThrottlingConfig `yaml:"throttling"`

	// DomainMappings maps an alias to its upstream configuration.
	DomainMappings map[string]DomainMapping `yaml:"domain_mappings"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	// Host to bind to
	Host string `yaml:"host"`
	// Port to listen on
	Port int `yaml:"port"`
	// Verbose logging
	Verbose bool `yaml:"verbose"`
}

// SecurityConfig holds the proxy access-token configuration.
type SecurityConfig struct {
	// RequireSecureKey enables the Security Gate.
	RequireSecureKey bool `yaml:"require_secure_key"`
	// SecureKey is the shared proxy token. If empty and RequireSecureKey is
	// true, one is generated at start and exposed once via GetSecureKey().
	SecureKey string `yaml:"secure_key,omitempty"`
}

// CacheConfig holds cache engine and store configuration.
type CacheConfig struct {
	// DatabasePath is a file path, or ":memory:" for an ephemeral database.
	DatabasePath string `yaml:"database_path"`
	// DefaultTTLSeconds is used when a DomainMapping does not set its own TTL.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
	// MaxCacheResponseSize bounds the size of a single cacheable response.
	MaxCacheResponseSize int64 `yaml:"max_cache_response_size"`
	// MaxCacheEntries bounds the total number of cached rows (LRU eviction).
	MaxCacheEntries int `yaml:"max_cache_entries"`
}

// ThrottlingConfig holds rate-limiting configuration.
type ThrottlingConfig struct {
	// DefaultRequestsPerHour is the fallback hourly budget per domain.
	DefaultRequestsPerHour int `yaml:"default_requests_per_hour"`
	// ProgressiveMaxDelay caps the back-off delay, in seconds.
	ProgressiveMaxDelay int `yaml:"progressive_max_delay"`
	// DomainLimits overrides DefaultRequestsPerHour per alias.
	DomainLimits map[string]int `yaml:"domain_limits,omitempty"`
}

// DomainMapping is a configured alias: a short name a client uses in the
// URL to select an upstream.
type DomainMapping struct {
	// Upstream is the base URL to rewrite requests to, e.g. https://api.example.org.
	Upstream string `yaml:"upstream"`
	// TTLSeconds overrides CacheConfig.DefaultTTLSeconds for this alias.
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
	// RateLimitPerHour overrides ThrottlingConfig.DefaultRequestsPerHour.
	RateLimitPerHour int `yaml:"rate_limit_per_hour,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Security: SecurityConfig{
			RequireSecureKey: false,
		},
		Cache: CacheConfig{
			DatabasePath:         "apibuddy.db",
			DefaultTTLSeconds:    3600,
			MaxCacheResponseSize: 10 * 1024 * 1024,
			MaxCacheEntries:      10000,
		},
		Throttling: ThrottlingConfig{
			DefaultRequestsPerHour: 1000,
			ProgressiveMaxDelay:    300,
		},
		DomainMappings: map[string]DomainMapping{},
	}
}

// Validate checks that alias names are non-empty, contain no "/", that
// every mapping has a non-empty upstream and a non-negative ttl_seconds,
// and that cache.default_ttl_seconds is positive. Rate-limit fields are
// not checked. Aliases are map keys, so uniqueness is guaranteed by
// construction.
func (c *Config) Validate() error {
	for alias, mapping := range c.DomainMappings {
		if alias == "" {
			return fmt.Errorf("config: domain alias must not be empty")
		}
		if strings.Contains(alias, "/") {
			return fmt.Errorf("config: domain alias %q must not contain '/'", alias)
		}
		if mapping.Upstream == "" {
			return fmt.Errorf("config: domain alias %q is missing upstream", alias)
		}
		if mapping.TTLSeconds < 0 {
			return fmt.Errorf("config: domain alias %q has negative ttl_seconds", alias)
		}
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("config: cache.default_ttl_seconds must be > 0")
	}
	return nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file, or returns default if not found.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "apibuddy.yaml"
	}
	return filepath.Join(home, ".apibuddy", "config.yaml")
}

// ExampleConfig returns an example configuration as a YAML string.
func ExampleConfig() string {
	cfg := DefaultConfig()
	cfg.Security.RequireSecureKey = true
	cfg.DomainMappings["cn"] = DomainMapping{
		Upstream:   "https://api.example.org",
		TTLSeconds: 3600,
	}
	cfg.DomainMappings["news"] = DomainMapping{
		Upstream:         "https://news.example.org",
		TTLSeconds:       60,
		RateLimitPerHour: 500,
	}
	cfg.Throttling.DomainLimits = map[string]int{"news": 500}

	data, _ := yaml.Marshal(cfg)
	return string(data)
}

// TTLForAlias resolves the effective TTL for a domain alias: the
// mapping's own TTLSeconds if set, else the cache's DefaultTTLSeconds.
// Changing the mapping or the default after a row is stored does not
// change that row's already-resolved TTL (see cache.Store).
func (c *Config) TTLForAlias(alias string) int {
	if m, ok := c.DomainMappings[alias]; ok && m.TTLSeconds > 0 {
		return m.TTLSeconds
	}
	return c.Cache.DefaultTTLSeconds
}

// RateLimitForAlias resolves the effective hourly rate limit for a domain
// alias: ThrottlingConfig.DomainLimits, else the mapping's own
// RateLimitPerHour, else ThrottlingConfig.DefaultRequestsPerHour.
func (c *Config) RateLimitForAlias(alias string) int {
	if limit, ok := c.Throttling.DomainLimits[alias]; ok && limit > 0 {
		return limit
	}
	if m, ok := c.DomainMappings[alias]; ok && m.RateLimitPerHour > 0 {
		return m.RateLimitPerHour
	}
	return c.Throttling.DefaultRequestsPerHour
}
