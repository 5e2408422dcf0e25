package extractor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	d := p.Backoff(1)
	require.GreaterOrEqual(t, d, 10*time.Second)
	require.Less(t, d, 15*time.Second)
}

func TestExponentialRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Second, time.Minute)
	boom := errors.New("portal down")

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
}

func TestExponentialRetryPolicy_BackoffStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Hour)
	for i := 0; i < 50; i++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 4; attempt++ {
			d := p.Backoff(attempt)
			require.Greater(t, d, prev, "attempt %d", attempt)
			prev = d
		}
	}
}

func TestExponentialRetryPolicy_BackoffCapped(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(10, time.Second, 4*time.Second)
	d := p.Backoff(8)
	require.GreaterOrEqual(t, d, 4*time.Second)
	require.Less(t, d, 6*time.Second)
}

func TestRandomDuration(t *testing.T) {
	t.Parallel()

	require.Zero(t, RandomDuration(0))
	for i := 0; i < 20; i++ {
		d := RandomDuration(2 * time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 2*time.Second)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusQueued.Terminal())
	require.False(t, JobStatusActive.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
}
