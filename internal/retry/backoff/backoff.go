// Package backoff provides delay schedules for the retry package.
package backoff

import (
	"math"
	"time"
)

// Strategy returns how long to wait before the next attempt. Attempts start at 1.
type Strategy func(attempts uint) time.Duration

// Constant always waits interval.
func Constant(interval time.Duration) Strategy {
	return func(uint) time.Duration {
		return interval
	}
}

// Linear waits baseDelay * attempts.
func Linear(baseDelay time.Duration) Strategy {
	return func(attempts uint) time.Duration {
		if delay := baseDelay * time.Duration(attempts); delay >= 0 {
			return delay
		}
		return math.MaxInt64
	}
}

// Exponential waits baseDelay * base^(attempts-1).
func Exponential(baseDelay time.Duration, base float64) Strategy {
	return func(attempts uint) time.Duration {
		if delay := baseDelay * time.Duration(math.Pow(base, float64(attempts-1))); delay >= 0 {
			return delay
		}
		return math.MaxInt64
	}
}

// BinaryExponential is Exponential with base 2: 1x, 2x, 4x, 8x, ...
func BinaryExponential(baseDelay time.Duration) Strategy {
	return Exponential(baseDelay, 2)
}
