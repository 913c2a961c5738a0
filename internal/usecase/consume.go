package usecase

import (
	"cequeue/internal/celog"
	"cequeue/internal/domain"
	"cequeue/internal/metrics"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Runnable is one worker cycle: claim a task, process it, archive it.
// While the processor runs, the lease of the task is refreshed every
// Heartbeat; zero disables it.
type Runnable struct {
	Queue     *Queue
	Registry  *Registry
	Logs      *celog.Logs
	Metrics   *metrics.Recorder
	Heartbeat time.Duration
}

// Run executes a single cycle and reports whether a task was claimed.
// Nothing raised by the processor escapes Run.
func (r *Runnable) Run(ctx context.Context) bool {
	task := r.Queue.Peek(ctx)
	if task == nil {
		return false
	}
	r.execute(ctx, *task)
	return true
}

func (r *Runnable) execute(ctx context.Context, t domain.Task) {
	logs := r.Logs
	if logs == nil {
		logs = &celog.Logs{}
	}
	rec := r.Metrics
	if rec == nil {
		rec = metrics.Discard()
	}

	tctx, scope := logs.Enter(ctx, t)
	logger := log.Ctx(tctx)

	started := r.Queue.now()
	if t.StartedAt != nil {
		started = *t.StartedAt
	}
	rec.TaskStarted(ctx)
	logger.Info().Str("payload_ref", t.PayloadRef).Msg("task started")

	status := domain.StatusFailed
	var procErr error
	defer func() {
		ended := r.Queue.now()
		c := domain.Completion{LeaseOwner: t.LeaseOwner, Status: status, StartedAt: &started, EndedAt: ended}
		if procErr != nil {
			c.ErrorMessage = procErr.Error()
		}
		// archive even when the run context was interrupted
		_ = r.Queue.Remove(context.WithoutCancel(tctx), t, c)

		elapsed := ended.Sub(started)
		rec.TaskFinished(ctx, status, elapsed)
		logger.Info().
			Str("status", string(status)).
			Int64("elapsed_ms", elapsed.Milliseconds()).
			Msg("task finished")
		if err := scope.Exit(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("task_uuid", t.UUID).Msg("failed to close task log")
		}
	}()

	pctx, interrupt := context.WithCancelCause(tctx)
	defer interrupt(nil)
	stopHeartbeat := r.keepAlive(pctx, interrupt, t)
	procErr = r.process(pctx, t)
	stopHeartbeat()
	if cause := context.Cause(pctx); errors.Is(cause, domain.ErrLeaseLost) {
		procErr = errors.Join(cause, procErr)
	}
	if procErr == nil {
		status = domain.StatusSuccess
		return
	}

	ev := logger.Error().Err(procErr)
	var pe *domain.ProcessorError
	if errors.As(procErr, &pe) && pe.Stack != nil {
		ev = ev.Bytes("stack", pe.Stack)
	}
	ev.Msg("task failed")
}

// keepAlive refreshes the lease of t until the returned stop is called. A lost
// lease interrupts the processor, since another worker owns the task from then on.
func (r *Runnable) keepAlive(ctx context.Context, interrupt context.CancelCauseFunc, t domain.Task) (stop func()) {
	if r.Heartbeat <= 0 {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.Queue.Heartbeat(hctx, t)
			switch {
			case hctx.Err() != nil:
				return
			case err != nil:
				log.Ctx(ctx).Warn().Err(err).Msg("failed to refresh task lease")
			case !ok:
				log.Ctx(ctx).Error().Msg("task lease lost, interrupting processor")
				interrupt(domain.ErrLeaseLost)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// process resolves and runs the processor of t, turning a panic into a
// *domain.ProcessorError.
func (r *Runnable) process(ctx context.Context, t domain.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.ProcessorError{
				TaskUUID: t.UUID,
				TaskType: t.Type,
				Err:      fmt.Errorf("%v", p),
				Stack:    debug.Stack(),
			}
		}
	}()

	p, err := r.Registry.Resolve(t)
	if err != nil {
		return &domain.ProcessorError{TaskUUID: t.UUID, TaskType: t.Type, Err: err}
	}
	if err := p.Process(ctx, t); err != nil {
		return &domain.ProcessorError{TaskUUID: t.UUID, TaskType: t.Type, Err: err}
	}
	return nil
}
