package metrics

import (
	"cequeue/internal/domain"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, p *Provider) map[string]metricdata.Metrics {
	t.Helper()
	rm, err := p.Collect(context.Background())
	require.NoError(t, err)
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecorder_ExportsInstruments(t *testing.T) {
	p := NewProvider(true)
	defer p.Shutdown(context.Background())

	counts := func(context.Context) (domain.QueueCounts, error) {
		return domain.QueueCounts{Pending: 3, InProgress: 1}, nil
	}
	r, err := NewRecorder(p.Meter, counts)
	require.NoError(t, err)

	ctx := context.Background()
	r.TaskStarted(ctx)
	r.TaskFinished(ctx, domain.StatusSuccess, 1500*time.Millisecond)
	r.TaskStarted(ctx)
	r.TaskFinished(ctx, domain.StatusFailed, 10*time.Millisecond)
	r.PeekFailed(ctx)

	got := collect(t, p)

	processed, ok := got["ce.tasks.processed"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range processed.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)
	assert.Len(t, processed.DataPoints, 2, "one series per status")

	pending, ok := got["ce.queue.pending"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, pending.DataPoints, 1)
	assert.Equal(t, int64(3), pending.DataPoints[0].Value)

	inProgress, ok := got["ce.queue.in_progress"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), inProgress.DataPoints[0].Value)

	_, ok = got["ce.task.duration"].Data.(metricdata.Histogram[float64])
	assert.True(t, ok)

	assert.Equal(t, Snapshot{Success: 1, Failed: 1, LastDurationMs: 10, PeekErrors: 1}, r.Snapshot())
}

func TestRecorder_Noop(t *testing.T) {
	p := NewProvider(false)
	r, err := NewRecorder(p.Meter, nil)
	require.NoError(t, err)

	r.TaskStarted(context.Background())
	assert.Equal(t, int64(1), r.Snapshot().BusyWorkers)
	assert.False(t, p.Enabled())
	_, err = p.Collect(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, p.Shutdown(context.Background()))

	assert.NotNil(t, Discard())
}
