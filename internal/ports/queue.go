package ports

import (
	"cequeue/internal/domain"
	"context"
	"time"
)

// QueueStore is the durable backing store of the Compute Engine queue.
// Every method is a single atomic unit in the backing store; coordination
// between nodes sharing a store relies on that and nothing else.
type QueueStore interface {
	// Insert stores t as PENDING and returns it with Seq assigned. It fails
	// with domain.ErrDuplicateTask when t.ComponentKey already has a live task.
	Insert(ctx context.Context, t domain.Task) (domain.Task, error)
	// ClaimOldestPending flips the oldest PENDING task to IN_PROGRESS under
	// leaseOwner and returns it, or nil when there is none.
	ClaimOldestPending(ctx context.Context, startedAt time.Time, leaseOwner string) (*domain.Task, error)
	// Heartbeat records that leaseOwner is still working on the task. It
	// reports false when the task is gone or held by another claim.
	Heartbeat(ctx context.Context, uuid, leaseOwner string, at time.Time) (bool, error)
	// DeleteAndArchive removes the live task and appends its Activity. When
	// c.LeaseOwner is set and another claim holds the task, it fails with
	// domain.ErrLeaseLost and leaves the task untouched.
	DeleteAndArchive(ctx context.Context, uuid string, c domain.Completion) (domain.Activity, error)
	// ResetInProgress puts IN_PROGRESS tasks whose last heartbeat (or claim,
	// when they never sent one) is before the given time back to PENDING,
	// keeping their position in the queue and dropping their lease.
	ResetInProgress(ctx context.Context, staleBefore time.Time) (int64, error)

	ListQueue(ctx context.Context) ([]domain.Task, error)
	ListActivity(ctx context.Context, q domain.ActivityQuery) ([]domain.Activity, error)
	Counts(ctx context.Context) (domain.QueueCounts, error)
	Close() error
}

// Processor does the actual work of a task. Any returned error or panic marks
// the task FAILED; processors are not retried automatically.
type Processor interface {
	Process(ctx context.Context, t domain.Task) error
}

type ProcessorFunc func(ctx context.Context, t domain.Task) error

func (f ProcessorFunc) Process(ctx context.Context, t domain.Task) error {
	return f(ctx, t)
}
