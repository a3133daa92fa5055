// Package ratelimit bounds the request rate against a segment origin.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket limiter shared by all download workers. Every
// segment request must pass through Acquire; short bursts up to the bucket
// size are allowed, the sustained rate is capped.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing perSec sustained requests per second with
// the given burst size. A non-positive rate disables limiting entirely.
func New(perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if
// so. Used by tests; workers always block on Acquire.
func (l *Limiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
