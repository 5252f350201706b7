package gateway

import "time"

// CacheBackend selects the RequestCache implementation.
type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
	CacheNone   CacheBackend = "none"
)

// Config holds the transport-level knobs. It is constructed once and passed
// by reference into every component; nothing reads process-global state.
type Config struct {
	// BaseURL is the gateway root, canonicalized at construction.
	BaseURL string

	// Timeout is the default per-request deadline when neither the caller's
	// context nor the request carries one.
	Timeout time.Duration

	// Retry is the single retry/backoff policy for transient failures.
	Retry RetryPolicy

	// RateRPS and RateBurst parameterize outbound admission. RateRPS <= 0
	// disables rate limiting.
	RateRPS   float64
	RateBurst int

	// CacheTTL is how long a cached representation is served without
	// revalidation.
	CacheTTL time.Duration

	// CacheBackend picks memory (default), redis, or none.
	CacheBackend CacheBackend

	// RedisAddr is required when CacheBackend is redis.
	RedisAddr string
}

// DefaultConfig returns transport defaults suitable for a single agent
// against one gateway.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		Retry:        DefaultRetryPolicy(),
		RateRPS:      10,
		RateBurst:    5,
		CacheTTL:     30 * time.Second,
		CacheBackend: CacheMemory,
	}
}
