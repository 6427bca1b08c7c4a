// Package backoff computes retry delays. Attempts are 1-indexed: attempt 1
// is the first retry after the initial failure. Strategies are stateless
// and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy computes the delay before retry attempt n.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f(attempt).
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// exp returns min(initial * 2^(attempt-1), max) without overflowing.
func exp(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear waits min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential waits min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns the capped exponential delay.
func (e *Exponential) Delay(attempt int) time.Duration {
	return exp(e.Initial, e.Max, attempt)
}

// ──────────────────────────────────────────────────
// Jitter
// ──────────────────────────────────────────────────

// FullJitter waits a uniform random duration in [0, exponential delay].
// Consecutive delays may shrink.
type FullJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewFullJitter creates an exponential strategy with full jitter.
func NewFullJitter(initial, maxDelay time.Duration) *FullJitter {
	return &FullJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration up to the exponential delay.
func (f *FullJitter) Delay(attempt int) time.Duration {
	base := exp(f.Initial, f.Max, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// EqualJitter waits half the exponential delay plus a uniform random
// share of the other half. The lower bound doubles with each attempt, so
// later retries never come sooner than earlier ones until Max is reached.
type EqualJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewEqualJitter creates an exponential strategy with equal jitter.
func NewEqualJitter(initial, maxDelay time.Duration) *EqualJitter {
	return &EqualJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a duration in [base/2, base].
func (e *EqualJitter) Delay(attempt int) time.Duration {
	base := exp(e.Initial, e.Max, attempt)
	half := base / 2
	return half + time.Duration(rand.Float64()*float64(base-half)) //nolint:gosec // jitter does not need crypto rand
}

// ──────────────────────────────────────────────────
// Default and lookup
// ──────────────────────────────────────────────────

// DefaultStrategy returns the strategy used when none is configured:
// equal jitter from 1s up to 10m.
func DefaultStrategy() Strategy {
	return NewEqualJitter(time.Second, 10*time.Minute)
}

// Named returns the strategy called name with the given bounds. Known
// names are constant, linear, exponential, full_jitter and equal_jitter.
func Named(name string, initial, maxDelay time.Duration) (Strategy, error) {
	if initial <= 0 {
		return nil, fmt.Errorf("backoff: initial delay must be positive, got %s", initial)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "constant":
		return NewConstant(initial), nil
	case "linear":
		return NewLinear(initial, maxDelay), nil
	case "exponential":
		return NewExponential(initial, maxDelay), nil
	case "full_jitter":
		return NewFullJitter(initial, maxDelay), nil
	case "", "equal_jitter":
		return NewEqualJitter(initial, maxDelay), nil
	default:
		return nil, fmt.Errorf("backoff: unknown strategy %q", name)
	}
}
