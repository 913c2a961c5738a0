package usecase

import (
	"cequeue/internal/domain"
	"cequeue/internal/metrics"
	"cequeue/internal/ports"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Queue is the Compute Engine queue façade. All coordination between workers
// and nodes is left to the store; Queue only adds validation, logging and the
// failure policy of each operation.
type Queue struct {
	Store   ports.QueueStore
	Metrics *metrics.Recorder
	Now     func() time.Time
	NewID   func() string
}

func NewQueue(store ports.QueueStore, rec *metrics.Recorder) *Queue {
	if rec == nil {
		rec = metrics.Discard()
	}
	return &Queue{Store: store, Metrics: rec}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Peek claims the oldest pending task under a fresh lease. Store failures are
// logged and reported as no task; the next cycle simply tries again.
func (q *Queue) Peek(ctx context.Context) *domain.Task {
	t, err := q.Store.ClaimOldestPending(ctx, q.now(), uuid.NewString())
	if err != nil {
		q.Metrics.PeekFailed(ctx)
		log.Ctx(ctx).Warn().Err(err).Msg("failed to claim a task, skipping cycle")
		return nil
	}
	return t
}

// Heartbeat tells the store that the claim of t is still being worked on. It
// reports false once the lease went to another claim.
func (q *Queue) Heartbeat(ctx context.Context, t domain.Task) (bool, error) {
	ok, err := q.Store.Heartbeat(ctx, t.UUID, t.LeaseOwner, q.now())
	if err != nil {
		return false, fmt.Errorf("heartbeat task %s: %w", t.UUID, err)
	}
	return ok, nil
}

// Remove archives t with its terminal status, provided the claim of t still
// holds the task. A failure is logged and returned for information only: the
// outcome stays final for the caller and the task is left to the stale sweep
// or to its current owner.
func (q *Queue) Remove(ctx context.Context, t domain.Task, c domain.Completion) error {
	if !c.Status.Valid() {
		return fmt.Errorf("%w: %q is not a terminal status", domain.ErrInvalidTask, c.Status)
	}
	if c.EndedAt.IsZero() {
		c.EndedAt = q.now()
	}
	if c.StartedAt == nil {
		c.StartedAt = t.StartedAt
	}
	if c.LeaseOwner == "" {
		c.LeaseOwner = t.LeaseOwner
	}

	_, err := q.Store.DeleteAndArchive(ctx, t.UUID, c)
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Ctx(ctx).Warn().
			Str("task_uuid", t.UUID).
			Str("status", string(c.Status)).
			Msg("task was reclaimed by another worker, outcome dropped")
		return err
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("task_uuid", t.UUID).
			Str("status", string(c.Status)).
			Msg("failed to archive task")
		return err
	}
	return nil
}

func (q *Queue) List(ctx context.Context) ([]domain.Task, error) {
	return q.Store.ListQueue(ctx)
}

func (q *Queue) Activity(ctx context.Context, aq domain.ActivityQuery) ([]domain.Activity, error) {
	return q.Store.ListActivity(ctx, aq)
}

func (q *Queue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	return q.Store.Counts(ctx)
}

// ResetStale puts tasks with no sign of life for more than olderThan back to
// pending.
func (q *Queue) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.Store.ResetInProgress(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	if n > 0 {
		log.Ctx(ctx).Warn().Int64("count", n).Dur("older_than", olderThan).Msg("stale in-progress tasks reset to pending")
	}
	return n, nil
}
