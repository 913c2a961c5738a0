package usecase

import (
	"bytes"
	"cequeue/internal/celog"
	"cequeue/internal/domain"
	"cequeue/internal/infra/memstore"
	"cequeue/internal/metrics"
	"cequeue/internal/ports"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	queue    *Queue
	registry *Registry
	runnable *Runnable
	rec      *metrics.Recorder
	out      *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := metrics.Discard()
	q := NewQueue(memstore.New(), rec)
	reg := NewRegistry()
	out := &bytes.Buffer{}
	return &fixture{
		queue:    q,
		registry: reg,
		rec:      rec,
		out:      out,
		runnable: &Runnable{Queue: q, Registry: reg, Logs: &celog.Logs{Out: out}, Metrics: rec},
	}
}

func (f *fixture) submit(t *testing.T, taskType, component string) domain.Task {
	t.Helper()
	task, err := f.queue.Submit(context.Background(), domain.TaskRequest{Type: taskType, ComponentKey: component})
	require.NoError(t, err)
	return task
}

func (f *fixture) activity(t *testing.T) []domain.Activity {
	t.Helper()
	list, err := f.queue.Activity(context.Background(), domain.ActivityQuery{})
	require.NoError(t, err)
	return list
}

func TestRunnable_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.runnable.Run(context.Background()))
	assert.Empty(t, f.activity(t))
}

func TestRunnable_Success(t *testing.T) {
	f := newFixture(t)
	var seen domain.Task
	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(_ context.Context, task domain.Task) error {
		seen = task
		return nil
	}))
	task := f.submit(t, "REPORT", "p1")

	assert.True(t, f.runnable.Run(context.Background()))

	assert.Equal(t, task.UUID, seen.UUID)
	assert.Equal(t, domain.StatusInProgress, seen.Status)
	history := f.activity(t)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusSuccess, history[0].Status)
	assert.Empty(t, history[0].ErrorMessage)
	assert.Equal(t, int64(1), f.rec.Snapshot().Success)
	assert.Contains(t, f.out.String(), `"message":"task finished"`)
	assert.Contains(t, f.out.String(), task.UUID)
}

func TestRunnable_ProcessorFailures(t *testing.T) {
	tests := []struct {
		name    string
		process func(context.Context, domain.Task) error
		taskTyp string
		wantMsg string
	}{
		{
			name:    "returned error",
			process: func(context.Context, domain.Task) error { return errors.New("report broken") },
			taskTyp: "REPORT",
			wantMsg: "report broken",
		},
		{
			name:    "panic",
			process: func(context.Context, domain.Task) error { panic("nil analyzer") },
			taskTyp: "REPORT",
			wantMsg: "panicked: nil analyzer",
		},
		{
			name:    "unknown type",
			taskTyp: "UNKNOWN",
			wantMsg: domain.ErrUnknownTaskType.Error(),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.process != nil {
				f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(tc.process))
			}
			f.submit(t, tc.taskTyp, "p1")

			require.NotPanics(t, func() { f.runnable.Run(context.Background()) })

			history := f.activity(t)
			require.Len(t, history, 1)
			assert.Equal(t, domain.StatusFailed, history[0].Status)
			assert.Contains(t, history[0].ErrorMessage, tc.wantMsg)
			assert.Equal(t, int64(1), f.rec.Snapshot().Failed)

			// the component is free again after a failure
			f.submit(t, "REPORT", "p1")
		})
	}
}

func TestRunnable_PanicLogsStack(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(context.Context, domain.Task) error {
		panic("boom")
	}))
	f.submit(t, "REPORT", "")

	f.runnable.Run(context.Background())
	assert.Contains(t, f.out.String(), `"stack"`)
}

func TestRunnable_InterruptedTaskFails(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(ctx context.Context, _ domain.Task) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))
	f.submit(t, "REPORT", "p1")

	f.runnable.Run(ctx)

	history := f.activity(t)
	require.Len(t, history, 1, "archived although the run context is cancelled")
	assert.Equal(t, domain.StatusFailed, history[0].Status)
	assert.Contains(t, history[0].ErrorMessage, context.Canceled.Error())
}

func TestRunnable_TaskLogFile(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	f.runnable.Logs.Dir = dir
	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(ctx context.Context, _ domain.Task) error {
		return errors.New("quality gate unavailable")
	}))
	task := f.submit(t, "REPORT", "p1")

	f.runnable.Run(context.Background())

	data, err := os.ReadFile(f.runnable.Logs.Path(task.UUID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "quality gate unavailable")
	assert.Contains(t, string(data), `"message":"task finished"`)
}

// Submit A(p1), B(p2), C(p1, rejected); work the queue; submit D(p1).
func TestRunnable_ComponentScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clk := &clock{}
	f.queue.Now = clk.Now
	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(_ context.Context, task domain.Task) error {
		if task.ComponentKey == "p2" {
			return errors.New("p2 analysis failed")
		}
		return nil
	}))

	clk.Set(100)
	a := f.submit(t, "REPORT", "p1")
	clk.Set(101)
	b := f.submit(t, "REPORT", "p2")
	clk.Set(102)
	_, err := f.queue.Submit(ctx, domain.TaskRequest{Type: "REPORT", ComponentKey: "p1"})
	require.ErrorIs(t, err, domain.ErrDuplicateTask)

	for f.runnable.Run(ctx) {
	}

	clk.Set(200)
	d := f.submit(t, "REPORT", "p1")
	require.True(t, f.runnable.Run(ctx))
	assert.False(t, f.runnable.Run(ctx))

	history := f.activity(t)
	require.Len(t, history, 3)
	assert.Equal(t, a.UUID, history[0].UUID)
	assert.Equal(t, domain.StatusSuccess, history[0].Status)
	assert.Equal(t, b.UUID, history[1].UUID)
	assert.Equal(t, domain.StatusFailed, history[1].Status)
	assert.Equal(t, d.UUID, history[2].UUID)
	assert.Equal(t, domain.StatusSuccess, history[2].Status)
}

func TestRunnable_ExecutionTimeFromQueueClock(t *testing.T) {
	f := newFixture(t)
	clk := &clock{}
	clk.Set(1_000)
	f.queue.Now = clk.Now
	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(context.Context, domain.Task) error {
		clk.Set(1_250)
		return nil
	}))
	f.submit(t, "REPORT", "p1")

	require.True(t, f.runnable.Run(context.Background()))

	history := f.activity(t)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1_250), history[0].ExecutedAt.UnixMilli())
	assert.Equal(t, int64(250), history[0].ExecutionTimeMs)
	assert.Equal(t, int64(250), f.rec.Snapshot().LastDurationMs)
}

func TestRunnable_HeartbeatOutlivesStaleSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clk := &clock{}
	clk.Set(0)
	f.queue.Now = clk.Now
	f.runnable.Heartbeat = 5 * time.Millisecond
	sevenHours := int64(7 * time.Hour / time.Millisecond)

	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(ctx context.Context, task domain.Task) error {
		clk.Set(sevenHours)
		require.Eventually(t, func() bool {
			list, err := f.queue.List(ctx)
			return err == nil && len(list) == 1 && list[0].HeartbeatAt != nil &&
				list[0].HeartbeatAt.UnixMilli() == sevenHours
		}, time.Second, 5*time.Millisecond)

		n, err := f.queue.ResetStale(ctx, 6*time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
	f.submit(t, "REPORT", "p1")

	require.True(t, f.runnable.Run(ctx))

	history := f.activity(t)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusSuccess, history[0].Status)
}

func TestRunnable_LostLeaseInterruptsAndKeepsNewOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clk := &clock{}
	clk.Set(0)
	f.queue.Now = clk.Now
	f.runnable.Heartbeat = 50 * time.Millisecond

	var (
		reclaimed *domain.Task
		cause     error
	)
	f.registry.RegisterProcessor("REPORT", ports.ProcessorFunc(func(pctx context.Context, task domain.Task) error {
		clk.Set(int64(7 * time.Hour / time.Millisecond))
		n, err := f.queue.ResetStale(ctx, 6*time.Hour)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		reclaimed = f.queue.Peek(ctx)

		<-pctx.Done()
		cause = context.Cause(pctx)
		return pctx.Err()
	}))
	f.submit(t, "REPORT", "p1")

	require.True(t, f.runnable.Run(ctx))

	assert.ErrorIs(t, cause, domain.ErrLeaseLost)
	require.NotNil(t, reclaimed)
	assert.Empty(t, f.activity(t), "the superseded claim does not archive")

	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{InProgress: 1}, counts)

	require.NoError(t, f.queue.Remove(ctx, *reclaimed, domain.Completion{Status: domain.StatusSuccess}))
	assert.Len(t, f.activity(t), 1)
}
