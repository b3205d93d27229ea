// Package retry holds the per-job backoff and attempt-ceiling policy.
package retry

import (
	"math"
	"time"
)

// Policy configures job-level retry behavior
type Policy struct {
	InitialDelay time.Duration // Delay for the first failed attempt's base
	MaxDelay     time.Duration // Ceiling for any computed delay
	Multiplier   float64       // Growth factor per attempt
	MaxExponent  int           // Attempts beyond this no longer grow the delay
	MaxAttempts  int           // Reaching this many attempts is terminal
}

// DefaultPolicy returns the relayer's backoff policy
// Pattern: 10s·2^attempts, exponent capped at 6, max 600s, 12 attempts
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 10 * time.Second,
		MaxDelay:     600 * time.Second,
		Multiplier:   2.0,
		MaxExponent:  6,
		MaxAttempts:  12,
	}
}

// WithMaxAttempts returns a copy of p with a different attempt ceiling
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Delay returns the backoff for a job that has failed attempts times
func (p Policy) Delay(attempts int) time.Duration {
	exp := attempts
	if exp < 0 {
		exp = 0
	}
	if exp > p.MaxExponent {
		exp = p.MaxExponent
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(exp))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Outcome is the bookkeeping for one failed attempt
type Outcome struct {
	Attempts int
	Terminal bool
	Delay    time.Duration
}

// Fail records one more failed attempt on a job that had attempts so far
func (p Policy) Fail(attempts int) Outcome {
	next := attempts + 1
	return Outcome{
		Attempts: next,
		Terminal: p.Exhausted(next),
		Delay:    p.Delay(next),
	}
}

// Exhausted reports whether attempts reached the ceiling
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
