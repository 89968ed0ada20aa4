package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/mauzo/internal/workflow"
)

// WorkflowRepository implements workflow.Store with PostgreSQL.
type WorkflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates a WorkflowRepository.
func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	model, err := toWorkflowModel(wf)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("creating workflow: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) GetWorkflow(ctx context.Context, orgID, id uuid.UUID) (*workflow.Workflow, error) {
	var model WorkflowModel
	err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting workflow: %w", err)
	}
	return toWorkflowDomain(&model)
}

func (r *WorkflowRepository) GetWorkflowByName(ctx context.Context, orgID uuid.UUID, name string) (*workflow.Workflow, error) {
	var model WorkflowModel
	err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).First(&model, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting workflow by name: %w", err)
	}
	return toWorkflowDomain(&model)
}

func (r *WorkflowRepository) ListWorkflows(ctx context.Context, orgID uuid.UUID) ([]workflow.Workflow, error) {
	var models []WorkflowModel
	err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Order("name ASC").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return r.toDomainSlice(models)
}

// ListScheduled returns enabled schedule-triggered workflows across all orgs.
func (r *WorkflowRepository) ListScheduled(ctx context.Context) ([]workflow.Workflow, error) {
	var models []WorkflowModel
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ?", true, string(workflow.TriggerSchedule)).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing scheduled workflows: %w", err)
	}
	return r.toDomainSlice(models)
}

func (r *WorkflowRepository) toDomainSlice(models []WorkflowModel) ([]workflow.Workflow, error) {
	out := make([]workflow.Workflow, 0, len(models))
	for i := range models {
		wf, err := toWorkflowDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, nil
}

func (r *WorkflowRepository) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	model, err := toWorkflowModel(wf)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Scopes(TenantScope(wf.OrgID)).
		Where("id = ?", wf.ID).
		Select("*").Omit("id", "org_id", "created_at").
		Updates(model)
	if res.Error != nil {
		return fmt.Errorf("updating workflow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflow.ErrWorkflowNotFound
	}
	return nil
}

func (r *WorkflowRepository) DeleteWorkflow(ctx context.Context, orgID, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Delete(&WorkflowModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting workflow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflow.ErrWorkflowNotFound
	}
	return nil
}

func (r *WorkflowRepository) CreateRun(ctx context.Context, run *workflow.Run) error {
	model, err := toRunModel(run)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) GetRun(ctx context.Context, orgID, id uuid.UUID) (*workflow.Run, error) {
	var model RunModel
	err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return toRunDomain(&model)
}

func (r *WorkflowRepository) UpdateRun(ctx context.Context, run *workflow.Run) error {
	model, err := toRunModel(run)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Scopes(TenantScope(run.OrgID)).
		Where("id = ?", run.ID).
		Select("*").Omit("id", "org_id", "workflow_id", "created_at").
		Updates(model)
	if res.Error != nil {
		return fmt.Errorf("updating run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return workflow.ErrRunNotFound
	}
	return nil
}

func (r *WorkflowRepository) ListRuns(ctx context.Context, orgID, workflowID uuid.UUID, limit int) ([]workflow.Run, error) {
	q := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]workflow.Run, 0, len(models))
	for i := range models {
		run, err := toRunDomain(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// LastCompletedAt returns when the workflow last completed a run, or nil.
func (r *WorkflowRepository) LastCompletedAt(ctx context.Context, orgID, workflowID uuid.UUID) (*time.Time, error) {
	var model RunModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("workflow_id = ? AND status = ? AND completed_at IS NOT NULL",
			workflowID, string(workflow.RunCompleted)).
		Order("completed_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last completed run: %w", err)
	}
	return model.CompletedAt, nil
}

// AppendNote adds a note at the next Seq position. Seq assignment runs in a
// transaction so concurrent appends never collide.
func (r *WorkflowRepository) AppendNote(ctx context.Context, orgID, runID uuid.UUID, note workflow.Note) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run RunModel
		err := tx.Scopes(TenantScope(orgID)).First(&run, "id = ?", runID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return workflow.ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("looking up run: %w", err)
		}

		var maxSeq int
		if err := tx.Model(&RunNoteModel{}).
			Where("run_id = ?", runID).
			Select("COALESCE(MAX(seq), -1)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("computing note seq: %w", err)
		}

		model := RunNoteModel{
			ID:              uuid.New(),
			RunID:           runID,
			OrgID:           orgID,
			Seq:             maxSeq + 1,
			Content:         note.Content,
			CreatedByUserID: note.CreatedByUserID,
			CreatedAt:       note.CreatedAt,
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("appending note: %w", err)
		}
		return nil
	})
}

// Notes returns the run's notes in append order.
func (r *WorkflowRepository) Notes(ctx context.Context, orgID, runID uuid.UUID) ([]workflow.Note, error) {
	if err := r.requireRun(ctx, orgID, runID); err != nil {
		return nil, err
	}

	var models []RunNoteModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}

	notes := make([]workflow.Note, 0, len(models))
	for i := range models {
		notes = append(notes, toNoteDomain(&models[i]))
	}
	return notes, nil
}

// DeleteNote removes the note at the given position in append order.
func (r *WorkflowRepository) DeleteNote(ctx context.Context, orgID, runID uuid.UUID, index int) error {
	if err := r.requireRun(ctx, orgID, runID); err != nil {
		return err
	}
	if index < 0 {
		return workflow.ErrNoteNotFound
	}

	var model RunNoteModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Offset(index).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return workflow.ErrNoteNotFound
	}
	if err != nil {
		return fmt.Errorf("locating note: %w", err)
	}
	if err := r.db.WithContext(ctx).Delete(&RunNoteModel{}, "id = ?", model.ID).Error; err != nil {
		return fmt.Errorf("deleting note: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) requireRun(ctx context.Context, orgID, runID uuid.UUID) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&RunModel{}).
		Scopes(TenantScope(orgID)).
		Where("id = ?", runID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("looking up run: %w", err)
	}
	if count == 0 {
		return workflow.ErrRunNotFound
	}
	return nil
}

var _ workflow.Store = (*WorkflowRepository)(nil)
