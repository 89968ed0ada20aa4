package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OperationStore is the persistence contract for pending operations.
// Implementations must enforce the state machine:
//   - Pending -> Approved -> Executing -> Completed | Failed
//   - Pending -> Canceled
//   - Pending -> Expired
//
// Leaving Pending must be an atomic conditional transition (compare-and-swap
// on status), never read-then-write: under concurrent approve calls exactly
// one caller wins.
type OperationStore interface {
	// Create persists a new pending operation.
	Create(ctx context.Context, op *PendingOperation) error

	// Get retrieves an operation by ID, transitioning it to expired as a side
	// effect if it is pending and past ExpiresAt (lazy expiry on access).
	Get(ctx context.Context, id string) (*PendingOperation, error)

	// BeginExecution atomically transitions pending -> approved -> executing,
	// recording the approver. Fails with ErrNotFound, ErrAlreadyResolved, or
	// ErrExpired (marking the row expired as a side effect).
	BeginExecution(ctx context.Context, id, approverID string) (*PendingOperation, error)

	// FinishExecution records the write-once outcome, transitioning
	// executing -> completed (res.Success) or executing -> failed.
	FinishExecution(ctx context.Context, id string, res *ExecutionResult) error

	// Cancel transitions pending -> canceled with the same guards as
	// BeginExecution.
	Cancel(ctx context.Context, id, denierID string) error

	// ListPending returns the org's unresolved operations, oldest first.
	ListPending(ctx context.Context, orgID uuid.UUID) ([]PendingOperation, error)

	// ExpireOld bulk-transitions pending rows past expires_at to expired,
	// returning the number of rows swept.
	ExpireOld(ctx context.Context) (int64, error)

	// DeleteResolved removes resolved/expired rows older than the given age.
	DeleteResolved(ctx context.Context, olderThan time.Duration) error
}

// Executor runs the underlying tool call for an approved operation.
// The dispatcher implements this; the manager only drives the state machine.
type Executor interface {
	ExecuteApproved(ctx context.Context, op *PendingOperation) (*ExecutionResult, error)
}

// Notifier receives operation lifecycle events (for the events gateway).
// Implementations must not block.
type Notifier interface {
	OperationCreated(op *PendingOperation)
	OperationResolved(op *PendingOperation)
}
