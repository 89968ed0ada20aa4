package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/mauzo/internal/domain"
	"github.com/jkaninda/mauzo/internal/policy"
)

// SettingRepository implements policy.UserSettingStore with PostgreSQL.
type SettingRepository struct {
	db *gorm.DB
}

// NewSettingRepository creates a SettingRepository.
func NewSettingRepository(db *gorm.DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// Get returns the user's override row for a tool, or nil when none exists.
func (r *SettingRepository) Get(ctx context.Context, orgID uuid.UUID, userID, toolName string) (*domain.UserToolSetting, error) {
	var model UserToolSettingModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("user_id = ? AND tool_name = ?", userID, toolName).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user tool setting: %w", err)
	}
	return toSettingDomain(&model), nil
}

// Upsert writes a user's override row, replacing any existing one for the
// same (org, user, tool).
func (r *SettingRepository) Upsert(ctx context.Context, setting *domain.UserToolSetting) error {
	model := UserToolSettingModel{
		ID:          setting.ID,
		OrgID:       setting.OrgID,
		UserID:      setting.UserID,
		ToolName:    setting.ToolName,
		AutoApprove: setting.AutoApprove,
		Allowed:     setting.Allowed,
		UpdatedAt:   time.Now().UTC(),
	}
	if model.ID == uuid.Nil {
		model.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "user_id"}, {Name: "tool_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"auto_approve", "allowed", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting user tool setting: %w", err)
	}
	return nil
}

// List returns all of a user's override rows.
func (r *SettingRepository) List(ctx context.Context, orgID uuid.UUID, userID string) ([]domain.UserToolSetting, error) {
	var models []UserToolSettingModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("user_id = ?", userID).
		Order("tool_name ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing user tool settings: %w", err)
	}
	out := make([]domain.UserToolSetting, 0, len(models))
	for i := range models {
		out = append(out, *toSettingDomain(&models[i]))
	}
	return out, nil
}

var _ policy.UserSettingStore = (*SettingRepository)(nil)
