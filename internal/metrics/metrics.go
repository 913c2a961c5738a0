// Package metrics is the observability sink of the Compute Engine: OpenTelemetry
// instruments plus an in-process snapshot for the system info endpoint.
// When disabled, instruments come from the noop meter.
package metrics

import (
	"cequeue/internal/domain"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterName is the instrumentation scope of every Compute Engine instrument.
const MeterName = "cequeue"

var ErrDisabled = errors.New("metrics are disabled")

// CountsFunc reports the live queue size; wired to Queue.Counts.
type CountsFunc func(ctx context.Context) (domain.QueueCounts, error)

type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	reader        *sdkmetric.ManualReader
	shutdown      func(context.Context) error
}

// NewProvider returns an SDK meter provider read on demand when enabled, a
// noop one otherwise.
func NewProvider(enabled bool) *Provider {
	if !enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		reader:        reader,
		shutdown:      mp.Shutdown,
	}
}

func (p *Provider) Enabled() bool {
	return p.reader != nil
}

// Collect reads the current value of every instrument. It returns
// ErrDisabled when metrics are off.
func (p *Provider) Collect(ctx context.Context) (*metricdata.ResourceMetrics, error) {
	if p.reader == nil {
		return nil, ErrDisabled
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	return &rm, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

type Recorder struct {
	processed   metric.Int64Counter
	duration    metric.Float64Histogram
	peekErrors  metric.Int64Counter
	busyWorkers metric.Int64UpDownCounter

	success   atomic.Int64
	failed    atomic.Int64
	busy      atomic.Int64
	lastMs    atomic.Int64
	peekFails atomic.Int64
}

type Snapshot struct {
	Success        int64 `json:"success"`
	Failed         int64 `json:"failed"`
	BusyWorkers    int64 `json:"busy_workers"`
	LastDurationMs int64 `json:"last_duration_ms"`
	PeekErrors     int64 `json:"peek_errors"`
}

// NewRecorder creates the instruments. counts may be nil, in which case the
// queue gauges are not registered.
func NewRecorder(meter metric.Meter, counts CountsFunc) (*Recorder, error) {
	r := &Recorder{}
	var err error

	r.processed, err = meter.Int64Counter("ce.tasks.processed",
		metric.WithDescription("Tasks processed, by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	r.duration, err = meter.Float64Histogram("ce.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	r.peekErrors, err = meter.Int64Counter("ce.peek.errors",
		metric.WithDescription("Failed attempts to claim a task from the store"),
	)
	if err != nil {
		return nil, err
	}

	r.busyWorkers, err = meter.Int64UpDownCounter("ce.workers.busy",
		metric.WithDescription("Workers currently processing a task"),
	)
	if err != nil {
		return nil, err
	}

	if counts == nil {
		return r, nil
	}

	pending, err := meter.Int64ObservableGauge("ce.queue.pending",
		metric.WithDescription("Tasks waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}
	inProgress, err := meter.Int64ObservableGauge("ce.queue.in_progress",
		metric.WithDescription("Tasks claimed by a worker"),
	)
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		c, err := counts(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(pending, c.Pending)
		o.ObserveInt64(inProgress, c.InProgress)
		return nil
	}, pending, inProgress)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Discard returns a recorder backed by the noop meter.
func Discard() *Recorder {
	r, _ := NewRecorder(noop.NewMeterProvider().Meter(MeterName), nil)
	return r
}

func (r *Recorder) TaskStarted(ctx context.Context) {
	r.busy.Add(1)
	r.busyWorkers.Add(ctx, 1)
}

func (r *Recorder) TaskFinished(ctx context.Context, status domain.ActivityStatus, elapsed time.Duration) {
	r.busy.Add(-1)
	r.busyWorkers.Add(ctx, -1)

	switch status {
	case domain.StatusSuccess:
		r.success.Add(1)
	default:
		r.failed.Add(1)
	}
	r.lastMs.Store(elapsed.Milliseconds())

	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	r.processed.Add(ctx, 1, attrs)
	r.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (r *Recorder) PeekFailed(ctx context.Context) {
	r.peekFails.Add(1)
	r.peekErrors.Add(ctx, 1)
}

func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Success:        r.success.Load(),
		Failed:         r.failed.Load(),
		BusyWorkers:    r.busy.Load(),
		LastDurationMs: r.lastMs.Load(),
		PeekErrors:     r.peekFails.Load(),
	}
}
