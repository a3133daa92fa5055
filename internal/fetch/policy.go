package fetch

import (
	"math/rand"
	"time"
)

// Policy describes the retry budget applied to transient fetch failures:
// MaxAttempts tries total, exponential backoff from BaseDelay capped at
// MaxDelay, with multiplicative jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay across [1-Jitter/2, 1+Jitter/2] to keep
	// workers from retrying in lockstep. Zero disables jitter.
	Jitter float64
}

// DefaultPolicy returns the retry budget used for segment and key fetches.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.5,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Backoff returns the delay to sleep after the given zero-based failed
// attempt. Without jitter the sequence is strictly increasing until it
// reaches MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		factor := 1 + p.Jitter*(rand.Float64()-0.5)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
