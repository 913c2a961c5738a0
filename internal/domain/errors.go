package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateTask    = errors.New("component already has a live task")
	ErrStoreUnavailable = errors.New("queue store unavailable")
	ErrTaskNotFound     = errors.New("task not found in queue")
	ErrLeaseLost        = errors.New("task is held by another claim")
	ErrInvalidTask      = errors.New("invalid task")
	ErrUnknownTaskType  = errors.New("no processor registered for task type")
	ErrSchedulerCycle   = errors.New("scheduling pass failed")
)

// DuplicateTaskError is returned by Submit when the component of the request
// already has a pending or in-progress task.
type DuplicateTaskError struct {
	ComponentKey string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("component %q already has a pending or in-progress task", e.ComponentKey)
}

func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrDuplicateTask
}

// ProcessorError wraps a failure raised by a task processor, either a returned
// error or a recovered panic (Stack is set in that case).
type ProcessorError struct {
	TaskUUID string
	TaskType string
	Err      error
	Stack    []byte
}

func (e *ProcessorError) Error() string {
	if e.Stack != nil {
		return fmt.Sprintf("processor for %s task %s panicked: %v", e.TaskType, e.TaskUUID, e.Err)
	}
	return fmt.Sprintf("processor for %s task %s failed: %v", e.TaskType, e.TaskUUID, e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}
