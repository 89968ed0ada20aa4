package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/mauzo/internal/session"
)

// ErrRecordNotFound is returned when a synced record does not exist.
var ErrRecordNotFound = errors.New("synced record not found")

// RecordRepository implements session.RecordStore over the synced_records
// table: the durable local copy of CRM data that local-write tools mutate
// and change-session rollbacks restore.
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates a RecordRepository.
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) GetRecord(ctx context.Context, orgID uuid.UUID, table, recordID string) (map[string]any, error) {
	var model SyncedRecordModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("table_name = ? AND record_id = ?", table, recordID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return unmarshalMap(model.Data)
}

func (r *RecordRepository) InsertRecord(ctx context.Context, orgID uuid.UUID, table, recordID string, data map[string]any) error {
	blob, err := marshalMap(data)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	model := SyncedRecordModel{
		ID:         uuid.New(),
		OrgID:      orgID,
		TableName_: table,
		RecordID:   recordID,
		Data:       blob,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting record %s/%s: %w", table, recordID, err)
	}
	return nil
}

func (r *RecordRepository) UpdateRecord(ctx context.Context, orgID uuid.UUID, table, recordID string, data map[string]any) error {
	blob, err := marshalMap(data)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	res := r.db.WithContext(ctx).Model(&SyncedRecordModel{}).
		Scopes(TenantScope(orgID)).
		Where("table_name = ? AND record_id = ?", table, recordID).
		Updates(map[string]any{"data": blob, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("updating record %s/%s: %w", table, recordID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
	}
	return nil
}

func (r *RecordRepository) DeleteRecord(ctx context.Context, orgID uuid.UUID, table, recordID string) error {
	res := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("table_name = ? AND record_id = ?", table, recordID).
		Delete(&SyncedRecordModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting record %s/%s: %w", table, recordID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
	}
	return nil
}

var _ session.RecordStore = (*RecordRepository)(nil)
