package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResetter struct {
	calls atomic.Int64
	last  atomic.Int64
	err   error
}

func (c *countingResetter) ResetStale(_ context.Context, olderThan time.Duration) (int64, error) {
	c.calls.Add(1)
	c.last.Store(int64(olderThan))
	return 2, c.err
}

func TestSweeper_RunsOnStartAndSchedule(t *testing.T) {
	r := &countingResetter{}
	s, err := NewSweeper(context.Background(), r, time.Hour, "@every 1s")
	require.NoError(t, err)

	s.Start()
	defer s.Stop()
	assert.Equal(t, int64(1), r.calls.Load(), "sweeps once at startup")
	assert.Equal(t, int64(time.Hour), r.last.Load())

	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(context.Background(), &countingResetter{}, time.Hour, "every tuesday")
	assert.ErrorContains(t, err, "invalid sweep schedule")
}

func TestSweeper_Error(t *testing.T) {
	boom := errors.New("redis down")
	s, err := NewSweeper(context.Background(), &countingResetter{err: boom}, time.Hour, "@every 1h")
	require.NoError(t, err)

	_, err = s.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
}
