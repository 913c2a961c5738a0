package usecase

import (
	"cequeue/internal/domain"
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// Submit queues a new pending task. A component that already has a pending
// or in-progress task is rejected with a *domain.DuplicateTaskError.
func (q *Queue) Submit(ctx context.Context, req domain.TaskRequest) (domain.Task, error) {
	if err := validate.Struct(req); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}

	id := uuid.NewString()
	if q.NewID != nil {
		id = q.NewID()
	}
	t := domain.Task{
		UUID:         id,
		Type:         req.Type,
		ComponentKey: req.ComponentKey,
		PayloadRef:   req.PayloadRef,
		Status:       domain.StatusPending,
		SubmittedAt:  q.now(),
	}

	stored, err := q.Store.Insert(ctx, t)
	if errors.Is(err, domain.ErrDuplicateTask) {
		log.Ctx(ctx).Info().Str("component", req.ComponentKey).Msg("submission rejected, component already queued")
		return domain.Task{}, &domain.DuplicateTaskError{ComponentKey: req.ComponentKey}
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("submit task: %w", err)
	}

	log.Ctx(ctx).Info().
		Str("task_uuid", stored.UUID).
		Str("task_type", stored.Type).
		Str("component", stored.ComponentKey).
		Msg("task submitted")
	return stored, nil
}
