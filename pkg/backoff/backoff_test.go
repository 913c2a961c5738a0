package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitter_Bounds(t *testing.T) {
	base := 10 * time.Millisecond
	for attempt := 0; attempt < 8; attempt++ {
		d := ExponentialJitter(base, 200*time.Millisecond, attempt)
		n := attempt
		if n < 1 {
			n = 1
		}
		want := min(base*time.Duration(1<<(n-1)), 200*time.Millisecond)
		assert.GreaterOrEqual(t, d, want-want/5, "attempt %d", attempt)
		assert.Less(t, d, want+want/5+1, "attempt %d", attempt)
	}
}

func TestExponentialJitter_Zero(t *testing.T) {
	assert.Equal(t, time.Duration(0), ExponentialJitter(0, time.Second, 3))
}

var errBusy = errors.New("busy")

func TestRetry(t *testing.T) {
	isBusy := func(err error) bool { return errors.Is(err, errBusy) }

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, time.Millisecond, 2*time.Millisecond, isBusy, func() error {
			calls++
			if calls < 3 {
				return errBusy
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non retryable stops at once", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := Retry(context.Background(), 5, time.Millisecond, time.Millisecond, isBusy, func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 3, time.Millisecond, time.Millisecond, isBusy, func() error {
			calls++
			return errBusy
		})
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 3, calls)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := Retry(ctx, 5, time.Hour, time.Hour, isBusy, func() error {
			calls++
			return errBusy
		})
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 1, calls)
	})
}
