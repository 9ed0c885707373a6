// Package retry runs an action repeatedly until it succeeds or a strategy
// says to stop.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/coldbell/confidex/backend/internal/retry/backoff"
)

// Action is a function to be performed in a retriable manner.
type Action func(ctx context.Context) error

// Strategy decides whether a failed action should be attempted again.
// Strategies may block (backoff) and must return false once ctx is done.
type Strategy func(ctx context.Context, attempts uint, err error) bool

// Retry executes action until it returns nil or a strategy returns false.
// Strategies run in order, so delaying strategies should be last. The
// number of attempts made is returned alongside the final error.
func Retry(ctx context.Context, action Action, strategies ...Strategy) (uint, error) {
	for i := uint(1); ; i++ {
		err := action(ctx)
		if err == nil {
			return i, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return i, err
		}

		for _, s := range strategies {
			if !s(ctx, i, err) {
				return i, err
			}
		}
	}
}

// Limit stops after maxAttempts total attempts.
func Limit(maxAttempts uint) Strategy {
	return func(_ context.Context, attempts uint, _ error) bool {
		return attempts < maxAttempts
	}
}

// RetriableErrors only retries errors matching one of the targets.
func RetriableErrors(retriable ...error) Strategy {
	return func(_ context.Context, _ uint, err error) bool {
		for _, e := range retriable {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// NonRetriableErrors stops on errors matching one of the targets.
func NonRetriableErrors(nonRetriable ...error) Strategy {
	return func(_ context.Context, _ uint, err error) bool {
		for _, e := range nonRetriable {
			if errors.Is(err, e) {
				return false
			}
		}
		return true
	}
}

// Backoff sleeps according to strategy, capped at maxBackoff.
func Backoff(strategy backoff.Strategy, maxBackoff time.Duration) Strategy {
	return func(ctx context.Context, attempts uint, _ error) bool {
		delay := strategy(attempts)
		capped := time.Duration(math.Min(float64(maxBackoff), float64(delay)))
		return sleeperImpl.Sleep(ctx, capped)
	}
}

// BackoffWithJitter is Backoff with the capped delay shifted by up to
// +/- jitter (a fraction of the delay).
func BackoffWithJitter(strategy backoff.Strategy, maxBackoff time.Duration, jitter float64) Strategy {
	return func(ctx context.Context, attempts uint, _ error) bool {
		delay := strategy(attempts)
		capped := time.Duration(math.Min(float64(maxBackoff), float64(delay)))
		withJitter := time.Duration(float64(capped) * (1 + (rand.Float64()*jitter*2 - jitter)))
		return sleeperImpl.Sleep(ctx, withJitter)
	}
}

type sleeper interface {
	Sleep(ctx context.Context, d time.Duration) bool
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var sleeperImpl sleeper = realSleeper{}
