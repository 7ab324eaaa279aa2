package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RateLimitConfig bounds how often a single IP may hit the upgrade and
// session endpoints.
type RateLimitConfig struct {
	Max    int      `yaml:"max"`
	Window Duration `yaml:"window"`
}

// Config holds the server configuration.
type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	RedisAddr    string          `yaml:"redis_addr"`
	LogJSON      bool            `yaml:"log_json"`
	PingInterval Duration        `yaml:"ping_interval"`
	SessionTTL   Duration        `yaml:"session_ttl"`
	MaxConns     int             `yaml:"max_conns"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:   ":8080",
		PingInterval: Duration(30 * time.Second),
		SessionTTL:   Duration(24 * time.Hour),
		RateLimit: RateLimitConfig{
			Max:    30,
			Window: Duration(time.Minute),
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("PING_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PING_INTERVAL %q: %w", v, err)
		}
		c.PingInterval = Duration(parsed)
	}
	return nil
}
