// Package retrypolicy implements the small retry value object evaluated by
// the job engine on every job-run failure.
package retrypolicy

import (
	"math"
	"time"
)

// Backoff selects how Delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy is the retry value object attached to a JobDefinition.
type Policy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialDelay   time.Duration `json:"initial_delay_ms"`
	MaxDelay       time.Duration `json:"max_delay_ms"`
	Backoff        Backoff       `json:"backoff"`
}

// Default returns a conservative policy: base 500ms, max 10s, bounded at 3
// attempts.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Backoff:      BackoffExponential,
	}
}

// Retryable reports whether another attempt is allowed after the given
// attempt number has just failed (attempt is 1-indexed: the attempt that
// just completed).
func (p Policy) Retryable(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay computes the requeue delay before the given (1-indexed) attempt
// number is dispatched.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.InitialDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = base
	case BackoffLinear:
		d = base * time.Duration(attempt)
	default: // exponential
		mult := math.Pow(2, float64(attempt-1))
		d = time.Duration(float64(base) * mult)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
