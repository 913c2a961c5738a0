package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RefusesWhenFull(t *testing.T) {
	p := NewPool(2)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	for i := 0; i < 2; i++ {
		require.True(t, p.TrySubmit(func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()

	assert.False(t, p.TrySubmit(func() {}))
	assert.Equal(t, int64(2), p.Busy())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Wait(context.Background()))
	assert.Zero(t, p.Busy())
	assert.True(t, p.TrySubmit(func() {}))
	require.NoError(t, p.Wait(context.Background()))
}

func TestNewPool_MinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewPool(0).Size())
}

func TestFixedDelay(t *testing.T) {
	var (
		mu    sync.Mutex
		fires int
	)
	stop := FixedDelay{}.Start(5*time.Millisecond, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires >= 3
	}, time.Second, time.Millisecond)

	stop()
	stop()
	mu.Lock()
	after := fires
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, fires, "no fire after stop")
}
