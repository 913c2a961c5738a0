package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// ExponentialJitter returns base*2^(attempt-1) capped at max, with +/- 20% jitter.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mul := math.Pow(2, float64(attempt-1))
	d := min(time.Duration(float64(base)*mul), max)

	j := time.Duration(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(2*j)))
}

// Retry calls fn until it succeeds, retryable reports false, attempts run out,
// or ctx is done. The last error is returned.
func Retry(ctx context.Context, attempts int, base, max time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		t := time.NewTimer(ExponentialJitter(base, max, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
