package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/confidex/backend/internal/retry/backoff"
)

type recordingSleeper struct {
	calls []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) bool {
	s.calls = append(s.calls, d)
	return true
}

func withSleeper(t *testing.T) *recordingSleeper {
	rec := &recordingSleeper{}
	prev := sleeperImpl
	sleeperImpl = rec
	t.Cleanup(func() { sleeperImpl = prev })
	return rec
}

func TestRetrySucceedsFirstTry(t *testing.T) {
	attempts, err := Retry(context.Background(), func(context.Context) error { return nil }, Limit(3))
	require.NoError(t, err)
	assert.EqualValues(t, 1, attempts)
}

func TestRetryLimit(t *testing.T) {
	failure := errors.New("boom")
	calls := 0
	attempts, err := Retry(context.Background(), func(context.Context) error {
		calls++
		return failure
	}, Limit(3))
	assert.ErrorIs(t, err, failure)
	assert.EqualValues(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetriableErrors(t *testing.T) {
	retriable := errors.New("retriable")
	fatal := errors.New("fatal")

	calls := 0
	_, err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return retriable
		}
		return fatal
	}, RetriableErrors(retriable), Limit(10))
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 3, calls)
}

func TestNonRetriableErrors(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	_, err := Retry(context.Background(), func(context.Context) error {
		calls++
		return fatal
	}, NonRetriableErrors(fatal), Limit(10))
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	rec := withSleeper(t)

	_, _ = Retry(context.Background(), func(context.Context) error {
		return errors.New("again")
	}, Limit(4), Backoff(backoff.BinaryExponential(time.Second), 3*time.Second))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("again")
	}, Limit(10))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
