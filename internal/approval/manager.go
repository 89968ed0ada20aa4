package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CreateRequest contains the fields needed to create a pending operation.
type CreateRequest struct {
	OrgID          uuid.UUID
	UserID         string
	ConversationID uuid.UUID
	Payload        Payload
	TTL            time.Duration // 0 = DefaultTTL.
}

// Manager drives the pending-operation state machine over an OperationStore.
// Execution is delegated to an Executor (the dispatcher), set once at wire
// time; the manager guarantees the executor is invoked at most once per
// operation.
type Manager struct {
	store    OperationStore
	executor Executor
	notifier Notifier // nil = no event notifications.
	logger   *slog.Logger
}

// NewManager creates a Manager. The executor is attached afterwards with
// SetExecutor (the dispatcher and manager reference each other).
func NewManager(store OperationStore, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// SetExecutor attaches the executor. Must be called before Approve is served.
func (m *Manager) SetExecutor(e Executor) { m.executor = e }

// SetNotifier attaches an optional lifecycle notifier.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// Create persists a new pending operation and returns its preview for the
// caller to show the user before they approve. No side effect happens here.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*Preview, error) {
	id, err := generateOperationID()
	if err != nil {
		return nil, fmt.Errorf("generating operation ID: %w", err)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	op := &PendingOperation{
		ID:             id,
		OrgID:          req.OrgID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Payload:        req.Payload,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := m.store.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("creating pending operation: %w", err)
	}

	m.logger.InfoContext(ctx, "pending operation created",
		slog.String("operation_id", id),
		slog.String("org_id", req.OrgID.String()),
		slog.String("user_id", req.UserID),
		slog.String("tool", req.Payload.ToolName()),
		slog.Time("expires_at", op.ExpiresAt),
	)
	if m.notifier != nil {
		m.notifier.OperationCreated(op)
	}
	return op.ToPreview(), nil
}

// Get retrieves an operation (lazy-expiring it on access).
func (m *Manager) Get(ctx context.Context, id string) (*PendingOperation, error) {
	return m.store.Get(ctx, id)
}

// ListPending returns the org's operations still awaiting approval.
func (m *Manager) ListPending(ctx context.Context, orgID uuid.UUID) ([]PendingOperation, error) {
	return m.store.ListPending(ctx, orgID)
}

// Approve transitions the operation out of pending, runs the underlying tool
// call exactly once, records the write-once outcome, and returns it.
//
// State-machine errors (ErrNotFound, ErrAlreadyResolved, ErrExpired) are
// returned as errors; a failed execution is not an error here — it is a
// completed state transition to failed, reported in the result.
func (m *Manager) Approve(ctx context.Context, id, approverID string) (*ExecutionResult, error) {
	if m.executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}

	op, err := m.store.BeginExecution(ctx, id, approverID)
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "executing approved operation",
		slog.String("operation_id", id),
		slog.String("approved_by", approverID),
		slog.String("tool", op.Payload.ToolName()),
	)

	res, execErr := m.executor.ExecuteApproved(ctx, op)
	if execErr != nil {
		// Execution errors are never silently swallowed: the operation is
		// marked failed and the message is surfaced in the result.
		res = &ExecutionResult{Success: false, ErrorMessage: execErr.Error()}
	}
	if finErr := m.store.FinishExecution(ctx, id, res); finErr != nil {
		return res, fmt.Errorf("recording execution outcome: %w", finErr)
	}

	m.logger.InfoContext(ctx, "operation resolved",
		slog.String("operation_id", id),
		slog.Bool("success", res.Success),
	)
	m.notifyResolved(ctx, id)
	return res, nil
}

// Deny transitions pending -> canceled.
func (m *Manager) Deny(ctx context.Context, id, denierID string) error {
	if err := m.store.Cancel(ctx, id, denierID); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "operation denied",
		slog.String("operation_id", id),
		slog.String("denied_by", denierID),
	)
	m.notifyResolved(ctx, id)
	return nil
}

func (m *Manager) notifyResolved(ctx context.Context, id string) {
	if m.notifier == nil {
		return
	}
	if op, err := m.store.Get(ctx, id); err == nil {
		m.notifier.OperationResolved(op)
	}
}

// StartSweep starts a background goroutine that expires overdue pending rows
// and deletes old resolved rows periodically. Expiry is still checked lazily
// on every access; the sweep keeps storage and metrics honest for operations
// nobody ever looks at again. Returns a cancel function.
func (m *Manager) StartSweep(ctx context.Context, interval, retain time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := m.store.ExpireOld(ctx); err != nil {
					m.logger.Error("expiring operations", slog.String("error", err.Error()))
				} else if n > 0 {
					m.logger.Info("expired overdue operations", slog.Int64("count", n))
				}
				if err := m.store.DeleteResolved(ctx, retain); err != nil {
					m.logger.Error("deleting resolved operations", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return cancel
}

func generateOperationID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
