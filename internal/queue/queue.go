// Package queue provides the background task queue used to run workflows
// asynchronously. The in-process worker pool is the only implementation;
// the TaskQueue interface keeps callers decoupled from it.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned when the task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrQueueClosed is returned when enqueueing after shutdown.
	ErrQueueClosed = errors.New("task queue is closed")
	// ErrNotRevocable is returned when revoking a task that already finished.
	ErrNotRevocable = errors.New("task is not revocable")
)

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusRevoked Status = "revoked"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusRevoked:
		return true
	}
	return false
}

// Task is a unit of background work.
type Task struct {
	ID         uuid.UUID
	Kind       string
	Payload    map[string]any
	Status     Status
	Error      string
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Handler executes a task. A non-nil error marks the task failed.
type Handler func(ctx context.Context, task *Task) error

// TaskQueue accepts background tasks and reports on their state.
type TaskQueue interface {
	// Enqueue submits a task and returns its ID.
	Enqueue(ctx context.Context, kind string, payload map[string]any) (uuid.UUID, error)
	// Revoke cancels a queued task, or signals cancellation to a running one.
	Revoke(ctx context.Context, id uuid.UUID) error
	// Inspect returns a snapshot of the task's current state.
	Inspect(ctx context.Context, id uuid.UUID) (*Task, error)
}
