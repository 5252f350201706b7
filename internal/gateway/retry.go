package gateway

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the single configurable retry/backoff policy consumed by the
// client. All per-call retry behavior derives from one of these; there is no
// ad hoc backoff logic anywhere else.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1 (no retry).
	MaxAttempts int

	// InitialInterval is the base delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the exponentially growing delay.
	MaxInterval time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// Jitter is the randomization factor applied to each delay, in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy matches the gateway's documented guidance: three
// attempts, 250ms base, doubling, half-interval jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.5,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// newBackOff builds the delay source for one Execute call. Attempt counting
// is handled by the caller, so MaxElapsedTime is left unset and the context
// deadline bounds total time instead.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
