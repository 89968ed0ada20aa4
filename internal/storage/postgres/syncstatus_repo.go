package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/mauzo/internal/connector"
)

// SyncStatusRepository implements connector.SyncStatusStore with PostgreSQL.
type SyncStatusRepository struct {
	db *gorm.DB
}

// NewSyncStatusRepository creates a SyncStatusRepository.
func NewSyncStatusRepository(db *gorm.DB) *SyncStatusRepository {
	return &SyncStatusRepository{db: db}
}

// Upsert writes a sync status row, replacing any row with the same ID.
func (r *SyncStatusRepository) Upsert(ctx context.Context, st *connector.SyncStatus) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	model, err := toSyncStatusModel(st)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("upserting sync status: %w", err)
	}
	return nil
}

// Latest returns the most recent sync attempt for a connector, or nil.
func (r *SyncStatusRepository) Latest(ctx context.Context, orgID uuid.UUID, connectorName string) (*connector.SyncStatus, error) {
	var model SyncStatusModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("connector = ?", connectorName).
		Order("started_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest sync status: %w", err)
	}
	return toSyncStatusDomain(&model)
}

// List returns the org's sync attempts, newest first.
func (r *SyncStatusRepository) List(ctx context.Context, orgID uuid.UUID) ([]connector.SyncStatus, error) {
	var models []SyncStatusModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Order("started_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sync statuses: %w", err)
	}
	out := make([]connector.SyncStatus, 0, len(models))
	for i := range models {
		st, err := toSyncStatusDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

var _ connector.SyncStatusStore = (*SyncStatusRepository)(nil)
