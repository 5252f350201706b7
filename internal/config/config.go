// Package config aggregates the per-component configuration into one object
// constructed once and passed by reference into every component. There is no
// process-global lookup anywhere.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeline/gwbridge/internal/deploy"
	"github.com/forgeline/gwbridge/internal/gateway"
)

// Config contains the runtime configuration consumed by the client stack.
type Config struct {
	// Gateway is the transport configuration: base URL, timeout, retry,
	// rate limit, cache.
	Gateway gateway.Config

	// Deploy paces module deployments.
	Deploy deploy.Config

	// Token is the bearer credential. Prefer TokenEnv in checked-in files.
	Token string

	// TokenEnv names an environment variable holding the credential; it
	// wins over Token when both are set.
	TokenEnv string
}

// DefaultConfig returns a Config populated with sensible defaults. BaseURL
// and the credential always come from the caller or a file.
func DefaultConfig() *Config {
	return &Config{
		Gateway: gateway.DefaultConfig(),
		Deploy:  deploy.DefaultConfig(),
	}
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// fileConfig is the on-disk schema. Durations are human-readable strings;
// zero values fall back to the defaults.
type fileConfig struct {
	Gateway struct {
		BaseURL  string   `yaml:"base_url"`
		Timeout  Duration `yaml:"timeout"`
		Retry    struct {
			MaxAttempts     int      `yaml:"max_attempts"`
			InitialInterval Duration `yaml:"initial_interval"`
			MaxInterval     Duration `yaml:"max_interval"`
			Multiplier      float64  `yaml:"multiplier"`
			Jitter          float64  `yaml:"jitter"`
		} `yaml:"retry"`
		RateRPS      float64  `yaml:"rate_rps"`
		RateBurst    int      `yaml:"rate_burst"`
		CacheTTL     Duration `yaml:"cache_ttl"`
		CacheBackend string   `yaml:"cache_backend"`
		RedisAddr    string   `yaml:"redis_addr"`
	} `yaml:"gateway"`
	Deploy struct {
		PollInterval Duration `yaml:"poll_interval"`
		Deadline     Duration `yaml:"deadline"`
	} `yaml:"deploy"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// Load reads a YAML config file over the defaults. Unknown keys are
// rejected so typos fail loudly instead of silently using a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg := DefaultConfig()
	if fc.Gateway.BaseURL != "" {
		cfg.Gateway.BaseURL = fc.Gateway.BaseURL
	}
	if fc.Gateway.Timeout > 0 {
		cfg.Gateway.Timeout = time.Duration(fc.Gateway.Timeout)
	}
	if fc.Gateway.Retry.MaxAttempts > 0 {
		cfg.Gateway.Retry.MaxAttempts = fc.Gateway.Retry.MaxAttempts
	}
	if fc.Gateway.Retry.InitialInterval > 0 {
		cfg.Gateway.Retry.InitialInterval = time.Duration(fc.Gateway.Retry.InitialInterval)
	}
	if fc.Gateway.Retry.MaxInterval > 0 {
		cfg.Gateway.Retry.MaxInterval = time.Duration(fc.Gateway.Retry.MaxInterval)
	}
	if fc.Gateway.Retry.Multiplier > 0 {
		cfg.Gateway.Retry.Multiplier = fc.Gateway.Retry.Multiplier
	}
	if fc.Gateway.Retry.Jitter > 0 {
		cfg.Gateway.Retry.Jitter = fc.Gateway.Retry.Jitter
	}
	if fc.Gateway.RateRPS != 0 {
		cfg.Gateway.RateRPS = fc.Gateway.RateRPS
	}
	if fc.Gateway.RateBurst > 0 {
		cfg.Gateway.RateBurst = fc.Gateway.RateBurst
	}
	if fc.Gateway.CacheTTL > 0 {
		cfg.Gateway.CacheTTL = time.Duration(fc.Gateway.CacheTTL)
	}
	if fc.Gateway.CacheBackend != "" {
		cfg.Gateway.CacheBackend = gateway.CacheBackend(fc.Gateway.CacheBackend)
	}
	cfg.Gateway.RedisAddr = fc.Gateway.RedisAddr
	if fc.Deploy.PollInterval > 0 {
		cfg.Deploy.PollInterval = time.Duration(fc.Deploy.PollInterval)
	}
	if fc.Deploy.Deadline > 0 {
		cfg.Deploy.Deadline = time.Duration(fc.Deploy.Deadline)
	}
	cfg.Token = fc.Token
	cfg.TokenEnv = fc.TokenEnv

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled values for obvious mistakes.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	switch c.Gateway.CacheBackend {
	case gateway.CacheMemory, gateway.CacheRedis, gateway.CacheNone, "":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Gateway.CacheBackend)
	}
	if c.Gateway.CacheBackend == gateway.CacheRedis && c.Gateway.RedisAddr == "" {
		return fmt.Errorf("gateway.redis_addr is required for the redis cache backend")
	}
	return nil
}

// Credential resolves the bearer token, preferring the environment variable.
func (c *Config) Credential() string {
	if c.TokenEnv != "" {
		if v := os.Getenv(c.TokenEnv); v != "" {
			return v
		}
	}
	return c.Token
}
