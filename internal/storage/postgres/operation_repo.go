package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/mauzo/internal/approval"
)

// OperationRepository implements approval.OperationStore with PostgreSQL.
// Leaving pending is a conditional UPDATE filtered on status, so concurrent
// approve/deny/expiry calls race for one row change and exactly one wins.
type OperationRepository struct {
	db *gorm.DB
}

// NewOperationRepository creates an OperationRepository.
func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Create persists a new pending operation.
func (r *OperationRepository) Create(ctx context.Context, op *approval.PendingOperation) error {
	model, err := toOperationModel(op)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	return nil
}

// Get retrieves an operation by ID, marking it expired if past ExpiresAt.
func (r *OperationRepository) Get(ctx context.Context, id string) (*approval.PendingOperation, error) {
	var model OperationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting operation: %w", err)
	}

	// Lazy expiry on access. The conditional WHERE keeps this race-safe
	// against a concurrent approve.
	if model.Status == int16(approval.StatusPending) && time.Now().UTC().After(model.ExpiresAt) {
		res := r.db.WithContext(ctx).Model(&OperationModel{}).
			Where("id = ? AND status = ?", id, int16(approval.StatusPending)).
			Update("status", int16(approval.StatusExpired))
		if res.Error == nil && res.RowsAffected > 0 {
			model.Status = int16(approval.StatusExpired)
		}
	}

	return toOperationDomain(&model)
}

// BeginExecution atomically transitions pending -> executing, recording the
// approver. A zero-row update is classified by re-reading the row.
func (r *OperationRepository) BeginExecution(ctx context.Context, id, approverID string) (*approval.PendingOperation, error) {
	now := time.Now().UTC()

	res := r.db.WithContext(ctx).Model(&OperationModel{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, int16(approval.StatusPending), now).
		Updates(map[string]any{
			"status":      int16(approval.StatusExecuting),
			"approved_by": approverID,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("approving operation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, r.classifyLostRace(ctx, id)
	}

	var model OperationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("reloading operation: %w", err)
	}
	return toOperationDomain(&model)
}

// FinishExecution records the write-once outcome of an executing operation.
func (r *OperationRepository) FinishExecution(ctx context.Context, id string, execRes *approval.ExecutionResult) error {
	status := approval.StatusCompleted
	if !execRes.Success {
		status = approval.StatusFailed
	}
	result, err := marshalMap(execRes.Result)
	if err != nil {
		return fmt.Errorf("encoding execution result: %w", err)
	}

	res := r.db.WithContext(ctx).Model(&OperationModel{}).
		Where("id = ? AND status = ?", id, int16(approval.StatusExecuting)).
		Updates(map[string]any{
			"status":        int16(status),
			"result":        result,
			"error_message": execRes.ErrorMessage,
			"success_count": execRes.SuccessCount,
			"failure_count": execRes.FailureCount,
			"resolved_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("finishing operation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return approval.ErrAlreadyResolved
	}
	return nil
}

// Cancel transitions pending -> canceled with the same guards as
// BeginExecution.
func (r *OperationRepository) Cancel(ctx context.Context, id, denierID string) error {
	now := time.Now().UTC()

	res := r.db.WithContext(ctx).Model(&OperationModel{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, int16(approval.StatusPending), now).
		Updates(map[string]any{
			"status":      int16(approval.StatusCanceled),
			"approved_by": denierID,
			"resolved_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("canceling operation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.classifyLostRace(ctx, id)
	}
	return nil
}

// classifyLostRace turns a zero-row conditional update into the right
// sentinel: not found, expired (marking the row as a side effect), or
// already resolved.
func (r *OperationRepository) classifyLostRace(ctx context.Context, id string) error {
	var model OperationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return approval.ErrNotFound
		}
		return fmt.Errorf("classifying operation state: %w", err)
	}
	if model.Status == int16(approval.StatusPending) {
		// Only possible when expires_at has passed; mark it.
		r.db.WithContext(ctx).Model(&OperationModel{}).
			Where("id = ? AND status = ?", id, int16(approval.StatusPending)).
			Update("status", int16(approval.StatusExpired))
		return approval.ErrExpired
	}
	if model.Status == int16(approval.StatusExpired) {
		return approval.ErrExpired
	}
	return approval.ErrAlreadyResolved
}

// ListPending returns the org's unresolved operations, oldest first.
func (r *OperationRepository) ListPending(ctx context.Context, orgID uuid.UUID) ([]approval.PendingOperation, error) {
	var models []OperationModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("status = ? AND expires_at > ?", int16(approval.StatusPending), time.Now().UTC()).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending operations: %w", err)
	}

	ops := make([]approval.PendingOperation, 0, len(models))
	for i := range models {
		op, err := toOperationDomain(&models[i])
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, nil
}

// ExpireOld bulk-updates status to expired for all pending rows past
// expires_at.
func (r *OperationRepository) ExpireOld(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&OperationModel{}).
		Where("status = ? AND expires_at < ?", int16(approval.StatusPending), time.Now().UTC()).
		Update("status", int16(approval.StatusExpired))
	if res.Error != nil {
		return 0, fmt.Errorf("expiring operations: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteResolved removes resolved/expired rows older than the given age.
func (r *OperationRepository) DeleteResolved(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	return r.db.WithContext(ctx).
		Where("status NOT IN ? AND created_at < ?",
			[]int16{int16(approval.StatusPending), int16(approval.StatusExecuting)}, cutoff).
		Delete(&OperationModel{}).Error
}

var _ approval.OperationStore = (*OperationRepository)(nil)
