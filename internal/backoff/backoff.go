// Package backoff computes how long a failed job waits before it becomes leasable again.
package backoff

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"orchestrator-core/internal/config"
)

// Policy returns the delay before retry number attempt (1 is the first retry).
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval after every failure.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Exponential doubles the delay per attempt up to Max. With Jitter set the
// result is drawn from [wait/2, wait).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && (wait > e.Max || wait <= 0) {
		wait = e.Max
	}
	if !e.Jitter || wait < 2 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
}

// FromConfig picks the policy named by RETRY_POLICY; unknown names fall back to exponential.
func FromConfig(cfg config.Config) Policy {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 30 * time.Second
	}
	switch strings.ToLower(cfg.RetryPolicy) {
	case "fixed":
		return Fixed{Interval: initial}
	default:
		return Exponential{Initial: initial, Max: cfg.BackoffMax, Jitter: cfg.BackoffJitter}
	}
}
