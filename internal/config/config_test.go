package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgeline/gwbridge/internal/config"
	"github.com/forgeline/gwbridge/internal/gateway"
)

const sampleYAML = `
gateway:
  base_url: https://gw.plant.example:8043
  timeout: 45s
  retry:
    max_attempts: 5
    initial_interval: 100ms
    max_interval: 10s
    multiplier: 1.5
  rate_rps: 20
  rate_burst: 10
  cache_ttl: 2m
  cache_backend: memory
deploy:
  poll_interval: 3s
  deadline: 10m
token_env: GW_TOKEN
`

func TestParsePopulatesAllSections(t *testing.T) {
	cfg, err := config.Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Gateway.BaseURL != "https://gw.plant.example:8043" {
		t.Errorf("BaseURL = %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", cfg.Gateway.Timeout)
	}
	if cfg.Gateway.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Gateway.Retry.MaxAttempts)
	}
	if cfg.Gateway.Retry.InitialInterval != 100*time.Millisecond {
		t.Errorf("InitialInterval = %v, want 100ms", cfg.Gateway.Retry.InitialInterval)
	}
	if cfg.Gateway.RateRPS != 20 || cfg.Gateway.RateBurst != 10 {
		t.Errorf("rate = %v/%d, want 20/10", cfg.Gateway.RateRPS, cfg.Gateway.RateBurst)
	}
	if cfg.Gateway.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v, want 2m", cfg.Gateway.CacheTTL)
	}
	if cfg.Deploy.PollInterval != 3*time.Second || cfg.Deploy.Deadline != 10*time.Minute {
		t.Errorf("deploy pacing = %v/%v", cfg.Deploy.PollInterval, cfg.Deploy.Deadline)
	}
	if cfg.TokenEnv != "GW_TOKEN" {
		t.Errorf("TokenEnv = %q", cfg.TokenEnv)
	}
}

func TestParseKeepsDefaultsForOmittedValues(t *testing.T) {
	cfg, err := config.Parse([]byte("gateway:\n  base_url: https://gw.example\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	def := gateway.DefaultConfig()
	if cfg.Gateway.Timeout != def.Timeout {
		t.Errorf("Timeout = %v, want default %v", cfg.Gateway.Timeout, def.Timeout)
	}
	if cfg.Gateway.Retry.MaxAttempts != def.Retry.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", cfg.Gateway.Retry.MaxAttempts, def.Retry.MaxAttempts)
	}
	if cfg.Gateway.CacheBackend != def.CacheBackend {
		t.Errorf("CacheBackend = %q, want default %q", cfg.Gateway.CacheBackend, def.CacheBackend)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := config.Parse([]byte("gateway:\n  base_url: https://gw.example\n  tmeout: 5s\n"))
	if err == nil {
		t.Fatal("expected an error for a misspelled key")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := config.Parse([]byte("gateway:\n  base_url: https://gw.example\n  timeout: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "duration") {
		t.Fatalf("expected a duration error, got %v", err)
	}
}

func TestParseRequiresBaseURL(t *testing.T) {
	_, err := config.Parse([]byte("token: abc\n"))
	if err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("expected a base_url error, got %v", err)
	}
}

func TestParseRedisBackendRequiresAddr(t *testing.T) {
	_, err := config.Parse([]byte("gateway:\n  base_url: https://gw.example\n  cache_backend: redis\n"))
	if err == nil || !strings.Contains(err.Error(), "redis_addr") {
		t.Fatalf("expected a redis_addr error, got %v", err)
	}

	cfg, err := config.Parse([]byte("gateway:\n  base_url: https://gw.example\n  cache_backend: redis\n  redis_addr: localhost:6379\n"))
	if err != nil {
		t.Fatalf("Parse with redis_addr: %v", err)
	}
	if cfg.Gateway.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.Gateway.RedisAddr)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gwbridge.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.BaseURL == "" {
		t.Error("loaded config missing base URL")
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestCredentialPrefersEnvironment(t *testing.T) {
	cfg, err := config.Parse([]byte("gateway:\n  base_url: https://gw.example\ntoken: file-token\ntoken_env: GWBRIDGE_TEST_TOKEN\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.Credential(); got != "file-token" {
		t.Errorf("Credential without env = %q, want the file token", got)
	}

	t.Setenv("GWBRIDGE_TEST_TOKEN", "env-token")
	if got := cfg.Credential(); got != "env-token" {
		t.Errorf("Credential with env = %q, want env-token", got)
	}
}
