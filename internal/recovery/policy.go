package recovery

import (
	"math"
	"time"
)

// jitterFraction bounds the random delay added on top of the backoff.
const jitterFraction = 0.3

// RetryPolicy controls how failed trades are rescheduled.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMs        int64   `json:"max_delay_ms"`
	Jitter            bool    `json:"jitter"`
}

// DefaultRetryPolicy returns 3 retries starting at 5s, doubling, capped at 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    5_000,
		BackoffMultiplier: 2,
		MaxDelayMs:        300_000,
		Jitter:            true,
	}
}

// Validate reports whether the policy is usable.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errInvalidPolicy("max_attempts must be at least 1")
	case p.InitialDelayMs <= 0:
		return errInvalidPolicy("initial_delay_ms must be positive")
	case p.BackoffMultiplier < 1:
		return errInvalidPolicy("backoff_multiplier must be at least 1")
	case p.MaxDelayMs < p.InitialDelayMs:
		return errInvalidPolicy("max_delay_ms must be at least initial_delay_ms")
	}
	return nil
}

// BaseDelay is the capped exponential delay for a 1-indexed attempt, without jitter.
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelayMs) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if delay > float64(p.MaxDelayMs) || math.IsInf(delay, 1) {
		delay = float64(p.MaxDelayMs)
	}
	return time.Duration(delay) * time.Millisecond
}

// Delay adds jitter to BaseDelay when enabled. rnd must return a value in [0, 1).
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	base := p.BaseDelay(attempt)
	if !p.Jitter || rnd == nil {
		return base
	}
	return base + time.Duration(float64(base)*jitterFraction*rnd())
}

// NextRetryAt returns when the given attempt becomes due.
func (p RetryPolicy) NextRetryAt(now time.Time, attempt int, rnd func() float64) time.Time {
	return now.Add(p.Delay(attempt, rnd))
}
