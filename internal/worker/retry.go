package worker

import (
	"math"
	"time"
)

// RetryPolicy defines exponential backoff parameters. With the defaults
// (Base one minute, factor 2) the k-th consecutive failure waits 2^k
// minutes before the job becomes eligible again.
type RetryPolicy struct {
	MaxRetries    int
	Base          time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the delay after the given failure count (1-based).
// MaxDelay of zero means unclamped.
func (r RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	base := r.Base
	if base <= 0 {
		base = time.Minute
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	delay := float64(base) * math.Pow(factor, float64(retryCount))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = base
	}
	return d
}
