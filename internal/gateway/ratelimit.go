package gateway

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds the outbound request rate with a token bucket. It is a
// pure in-memory scheduling primitive; the zero rate means unlimited.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a limiter admitting rps requests per second with the
// given burst. rps <= 0 disables limiting entirely.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return &RateLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Acquire blocks until a slot is available or ctx is done. The wait is
// bounded by the context deadline: if the slot cannot possibly arrive in
// time the reservation is returned to the bucket and ErrRateLimited is
// reported immediately rather than after the deadline.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.lim == nil {
		return nil
	}

	res := r.lim.Reserve()
	if !res.OK() {
		return fmt.Errorf("rate limiter burst exhausted: %w", ErrRateLimited)
	}

	delay := res.Delay()
	if delay == 0 {
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		res.Cancel()
		return fmt.Errorf("no rate slot within deadline: %w", ErrRateLimited)
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		// Return the unused slot so it is not wasted.
		res.Cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("no rate slot within deadline: %w", ErrRateLimited)
		}
		return ctx.Err()
	}
}

// Allow reports whether a slot is available right now without waiting.
func (r *RateLimiter) Allow() bool {
	if r == nil || r.lim == nil {
		return true
	}
	return r.lim.Allow()
}
