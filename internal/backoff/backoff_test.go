//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelaySeconds(t *testing.T) {
	t.Parallel()

	fixed := func(v float64) RandFunc {
		return func() float64 { return v }
	}

	tests := []struct {
		name        string
		attempt     int
		capSeconds  int
		jitterRatio float64
		rng         RandFunc
		expected    int
	}{
		{
			name:        "attempt 3 with midpoint rng",
			attempt:     3,
			capSeconds:  600,
			jitterRatio: 0.3,
			rng:         fixed(0.5),
			expected:    10, // base 8, jitter 0.5*8*0.3=1.2, ceil(9.2)
		},
		{
			name:        "attempt 1 no jitter",
			attempt:     1,
			capSeconds:  600,
			jitterRatio: 0.3,
			rng:         fixed(0),
			expected:    2,
		},
		{
			name:        "attempt 0 treated as 1",
			attempt:     0,
			capSeconds:  600,
			jitterRatio: 0.3,
			rng:         fixed(0),
			expected:    2,
		},
		{
			name:        "large attempt capped",
			attempt:     20,
			capSeconds:  600,
			jitterRatio: 0,
			rng:         fixed(0.99),
			expected:    600,
		},
		{
			name:        "cap with full jitter rounds up",
			attempt:     30,
			capSeconds:  600,
			jitterRatio: 0.3,
			rng:         fixed(1 - 1e-9),
			expected:    780,
		},
		{
			name:        "negative jitter ratio treated as 0",
			attempt:     2,
			capSeconds:  600,
			jitterRatio: -1,
			rng:         fixed(0.9),
			expected:    4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := RetryDelaySeconds(tt.attempt, tt.capSeconds, tt.jitterRatio, tt.rng)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRetryDelaySecondsIsDeterministic(t *testing.T) {
	t.Parallel()

	rng := func() float64 { return 0.5 }

	first := RetryDelaySeconds(5, 600, 0.3, rng)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, RetryDelaySeconds(5, 600, 0.3, rng))
	}
}

func TestRetryDelaySecondsIsBounded(t *testing.T) {
	t.Parallel()

	const (
		capSeconds  = 600
		jitterRatio = 0.3
	)

	bound := int(math.Ceil(capSeconds * (1 + jitterRatio)))

	for attempt := 0; attempt < 70; attempt++ {
		delay := RetryDelaySeconds(attempt, capSeconds, jitterRatio, CryptoRand)
		assert.LessOrEqual(t, delay, bound, "attempt %d", attempt)
		assert.Positive(t, delay, "attempt %d", attempt)
	}
}

func TestExponentialWithJitterStaysBelowExponential(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond

	for attempt := 0; attempt < 10; attempt++ {
		delay := ExponentialWithJitter(base, attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, Exponential(base, attempt))
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("completes for short duration", func(t *testing.T) {
		t.Parallel()

		err := SleepWithContext(context.Background(), time.Millisecond)
		require.NoError(t, err)
	})

	t.Run("zero duration returns immediately", func(t *testing.T) {
		t.Parallel()

		err := SleepWithContext(context.Background(), 0)
		require.NoError(t, err)
	})

	t.Run("cancelled context interrupts sleep", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SleepWithContext(ctx, time.Minute)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
