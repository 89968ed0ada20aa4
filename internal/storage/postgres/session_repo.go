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

// SessionRepository implements session.SessionStore with PostgreSQL.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create persists a new change session.
func (r *SessionRepository) Create(ctx context.Context, cs *session.ChangeSession) error {
	if err := r.db.WithContext(ctx).Create(toSessionModel(cs)).Error; err != nil {
		return fmt.Errorf("creating change session: %w", err)
	}
	return nil
}

// Get retrieves a change session by ID.
func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*session.ChangeSession, error) {
	var model ChangeSessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting change session: %w", err)
	}
	return toSessionDomain(&model), nil
}

// OpenForConversation returns the conversation's current pending session, or
// nil when there is none.
func (r *SessionRepository) OpenForConversation(ctx context.Context, orgID, conversationID uuid.UUID) (*session.ChangeSession, error) {
	var model ChangeSessionModel
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(orgID)).
		Where("conversation_id = ? AND status = ?", conversationID, int16(session.StatusPending)).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up open session: %w", err)
	}
	return toSessionDomain(&model), nil
}

// Resolve transitions pending -> approved|discarded. The conditional UPDATE
// makes concurrent resolutions single-winner.
func (r *SessionRepository) Resolve(ctx context.Context, id uuid.UUID, status session.Status) error {
	res := r.db.WithContext(ctx).Model(&ChangeSessionModel{}).
		Where("id = ? AND status = ?", id, int16(session.StatusPending)).
		Updates(map[string]any{
			"status":      int16(status),
			"resolved_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("resolving change session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var model ChangeSessionModel
		if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return session.ErrSessionNotFound
			}
			return fmt.Errorf("classifying session state: %w", err)
		}
		return session.ErrSessionResolved
	}
	return nil
}

// AppendSnapshot persists one record snapshot. Seq is assigned here, inside a
// transaction, so snapshots stay strictly ordered per session and the discard
// walk replays them in the order they were recorded.
func (r *SessionRepository) AppendSnapshot(ctx context.Context, snap *session.RecordSnapshot) error {
	model, err := toSnapshotModel(snap)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&RecordSnapshotModel{}).
			Where("session_id = ?", snap.SessionID).
			Select("COALESCE(MAX(seq), -1)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		model.Seq = maxSeq + 1
		return tx.Create(model).Error
	})
	if err != nil {
		return fmt.Errorf("appending snapshot: %w", err)
	}
	snap.Seq = model.Seq
	return nil
}

// Snapshots returns the session's snapshots in ascending Seq order.
func (r *SessionRepository) Snapshots(ctx context.Context, sessionID uuid.UUID) ([]session.RecordSnapshot, error) {
	var models []RecordSnapshotModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	snaps := make([]session.RecordSnapshot, 0, len(models))
	for i := range models {
		snap, err := toSnapshotDomain(&models[i])
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

var _ session.SessionStore = (*SessionRepository)(nil)
