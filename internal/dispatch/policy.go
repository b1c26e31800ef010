package dispatch

import (
	"errors"
	"math/rand"
	"time"

	"postpilot/internal/publish"
)

// RetryPolicy bounds how often and how fast a failed publish is retried.
// A post whose attempts are spent moves to failed permanently.
type RetryPolicy struct {
	// MaxAttempts counts the first publish too; 3 means two retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to the computed delay.
	Jitter float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Minute
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Exhausted reports whether a post that already failed retryCount times has
// spent its attempts.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount+1 >= p.withDefaults().MaxAttempts
}

// NextDelay computes the wait before the next attempt. Explicit retry-after
// hints from the platform win over the exponential schedule; both are capped
// at MaxDelay and jittered.
func (p RetryPolicy) NextDelay(retry int, cause error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	var ra publish.RetryAfterError
	if cause != nil && errors.As(cause, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return jitter(d, p.Jitter, rng)
	}

	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return jitter(d, p.Jitter, rng)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		out = 0
	}
	return out
}
