// Package backoff provides exponential backoff utilities with jitter support
// for retry scheduling.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

const maxShift = 62

// RandFunc supplies values in [0, 1). Injected so delay computation stays
// deterministic under test.
type RandFunc func() float64

// RetryDelaySeconds converts a dispatch attempt count into the delay, in whole
// seconds, before the event becomes claimable again.
//
// The delay grows as 2^attempt, is capped at capSeconds, and is stretched by a
// random jitter of up to jitterRatio of the capped value so that a fleet of
// edge sites recovering from the same cloud outage does not retry in lockstep.
func RetryDelaySeconds(attempt, capSeconds int, jitterRatio float64, rng RandFunc) int {
	if attempt < 1 {
		attempt = 1
	}

	if attempt > maxShift {
		attempt = maxShift
	}

	if capSeconds <= 0 {
		capSeconds = 1
	}

	if jitterRatio < 0 {
		jitterRatio = 0
	}

	if rng == nil {
		rng = CryptoRand
	}

	base := float64(int64(1) << attempt)

	capped := math.Min(base, float64(capSeconds))
	jitter := rng() * capped * jitterRatio

	return int(math.Ceil(capped + jitter))
}

// CryptoRand returns a uniformly distributed value in [0, 1) sourced from
// crypto/rand, falling back to the midpoint if entropy is unavailable so the
// retry path never stalls.
func CryptoRand() float64 {
	const resolution = int64(1) << 53

	n, err := rand.Int(rand.Reader, big.NewInt(resolution))
	if err != nil {
		return 0.5
	}

	return float64(n.Int64()) / float64(resolution)
}

// Exponential calculates exponential delay based on attempt number.
// The delay is calculated as base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in the range [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return delay / 2
	}

	return time.Duration(n.Int64())
}

// ExponentialWithJitter combines exponential backoff with full jitter.
// Returns a random duration in [0, base * 2^attempt). This implements the
// "Full Jitter" strategy recommended by AWS.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for the specified duration but respects context
// cancellation. Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
