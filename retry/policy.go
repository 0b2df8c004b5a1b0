// Package retry provides the per-direction retry policies for publish and
// consume attempts. A policy answers the one question the delivery protocol
// needs: is the current attempt the final one allowed, after which the
// outcome must be settled (acknowledged, rejected, or marked failed)?
package retry

import (
	"math"
	"time"
)

// Policy configures retry behavior for one direction (send or consume).
// The send side and the consume side carry independent policies.
//
// Attempt counting starts at 1. With retries disabled every attempt is the
// first and only one, so it is always final.
type Policy struct {
	Enabled         bool          // When false, every attempt is final
	MaxAttempts     int           // Total attempts allowed, including the first
	BaseDelay       time.Duration // Delay before the second attempt
	MaxDelay        time.Duration // Backoff cap
	ExponentialBase float64       // Backoff multiplier (e.g. 2.0 for doubling)
}

// DefaultSendPolicy returns the default publish retry policy:
// 3 attempts with a 1s→10s doubling backoff.
func DefaultSendPolicy() Policy {
	return Policy{
		Enabled:         true,
		MaxAttempts:     3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
	}
}

// DefaultConsumePolicy returns the default consume retry policy:
// 3 attempts with a 1s→10s doubling backoff.
func DefaultConsumePolicy() Policy {
	return Policy{
		Enabled:         true,
		MaxAttempts:     3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Disabled returns a policy with retries off: one attempt, always final.
func Disabled() Policy {
	return Policy{Enabled: false}
}

// IsFinalAttempt reports whether the given 1-based attempt is the last one
// permitted. After a final attempt the delivery outcome must be settled;
// before it, a failure may still be redriven.
func (p Policy) IsFinalAttempt(attempt int) bool {
	if !p.Enabled {
		return true
	}
	return attempt >= p.MaxAttempts
}

// Attempts returns the total number of attempts the policy permits.
func (p Policy) Attempts() int {
	if !p.Enabled || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// NextDelay returns how long to wait after the given failed attempt before
// the next one, using exponential backoff capped at MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if !p.Enabled || p.BaseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return p.BaseDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
