package dispatch

import (
	"math"
	"strings"
	"time"
)

// Backoff computes the delay before a retried dispatch becomes eligible.
type Backoff interface {
	// Delay returns the wait before retry n; n is the number of failed
	// attempts so far, so 1 is the first retry.
	Delay(attempt int) time.Duration
}

// Constant waits the same interval before every retry.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each retry: Initial * 2^(attempt-1), capped
// at Max when Max > 0.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max. Without Max it
// saturates at the largest Duration instead of overflowing.
func (e Exponential) Delay(attempt int) time.Duration {
	if e.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && f > float64(e.Max) {
		return e.Max
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// NewBackoff maps a strategy name to a Backoff. "exponential" starts at base
// and is capped at 16x base; anything else is a constant base delay.
func NewBackoff(strategy string, base time.Duration) Backoff {
	if strings.EqualFold(strings.TrimSpace(strategy), "exponential") {
		return Exponential{Initial: base, Max: 16 * base}
	}
	return Constant{Interval: base}
}
