package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine is the change-session API used by the dispatcher and the approval
// surface.
type Engine struct {
	store   SessionStore
	records RecordStore
	logger  *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(store SessionStore, records RecordStore, logger *slog.Logger) *Engine {
	return &Engine{store: store, records: records, logger: logger}
}

// Begin returns the conversation's open pending session, creating one if
// none exists. Idempotent per conversation: multiple tool calls in one turn
// accumulate into a single reviewable batch.
func (e *Engine) Begin(ctx context.Context, orgID uuid.UUID, userID string, conversationID uuid.UUID) (*ChangeSession, error) {
	if conversationID != uuid.Nil {
		open, err := e.store.OpenForConversation(ctx, orgID, conversationID)
		if err != nil {
			return nil, fmt.Errorf("looking up open session: %w", err)
		}
		if open != nil {
			return open, nil
		}
	}

	cs := &ChangeSession{
		ID:             uuid.New(),
		OrgID:          orgID,
		UserID:         userID,
		ConversationID: conversationID,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.Create(ctx, cs); err != nil {
		return nil, fmt.Errorf("creating change session: %w", err)
	}
	e.logger.InfoContext(ctx, "change session opened",
		slog.String("session_id", cs.ID.String()),
		slog.String("org_id", orgID.String()),
		slog.String("conversation_id", conversationID.String()),
	)
	return cs, nil
}

// Record appends a snapshot for one mutation. It fails loudly on store
// errors: an untracked write breaks the rollback guarantee, so a mutation
// whose snapshot cannot be persisted must not be considered complete.
func (e *Engine) Record(ctx context.Context, cs *ChangeSession, tableName, recordID string, op Operation, before, after map[string]any) error {
	if err := validateSnapshot(op, before, after); err != nil {
		return err
	}
	snap := &RecordSnapshot{
		ID:         uuid.New(),
		SessionID:  cs.ID,
		OrgID:      cs.OrgID,
		TableName:  tableName,
		RecordID:   recordID,
		Operation:  op,
		BeforeData: before,
		AfterData:  after,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.AppendSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("recording snapshot for %s/%s: %w", tableName, recordID, err)
	}
	return nil
}

// Approve marks the session accepted. The mutations already happened; this
// only resolves the review state.
func (e *Engine) Approve(ctx context.Context, id uuid.UUID) error {
	if err := e.store.Resolve(ctx, id, StatusApproved); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "change session approved", slog.String("session_id", id.String()))
	return nil
}

// Discard resolves the session as discarded and unwinds its snapshots in
// reverse chronological order: create -> delete the record, update -> restore
// BeforeData, delete -> re-insert BeforeData. Restoration is best-effort per
// snapshot; failures are collected into the outcome and logged, and the walk
// continues.
func (e *Engine) Discard(ctx context.Context, id uuid.UUID) (*DiscardOutcome, error) {
	cs, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.Resolve(ctx, id, StatusDiscarded); err != nil {
		return nil, err
	}

	snaps, err := e.store.Snapshots(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots: %w", err)
	}

	outcome := &DiscardOutcome{SessionID: id}
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		if err := e.restore(ctx, cs.OrgID, &snap); err != nil {
			outcome.Failures = append(outcome.Failures, RollbackFailure{
				SnapshotID: snap.ID,
				TableName:  snap.TableName,
				RecordID:   snap.RecordID,
				Error:      err.Error(),
			})
			e.logger.ErrorContext(ctx, "snapshot restore failed",
				slog.String("session_id", id.String()),
				slog.String("snapshot_id", snap.ID.String()),
				slog.String("table", snap.TableName),
				slog.String("record_id", snap.RecordID),
				slog.String("error", err.Error()),
			)
			continue
		}
		outcome.RolledBack++
	}

	e.logger.InfoContext(ctx, "change session discarded",
		slog.String("session_id", id.String()),
		slog.Int("rolled_back", outcome.RolledBack),
		slog.Int("failures", len(outcome.Failures)),
	)
	return outcome, nil
}

func (e *Engine) restore(ctx context.Context, orgID uuid.UUID, snap *RecordSnapshot) error {
	switch snap.Operation {
	case OpCreate:
		return e.records.DeleteRecord(ctx, orgID, snap.TableName, snap.RecordID)
	case OpUpdate:
		return e.records.UpdateRecord(ctx, orgID, snap.TableName, snap.RecordID, snap.BeforeData)
	case OpDelete:
		return e.records.InsertRecord(ctx, orgID, snap.TableName, snap.RecordID, snap.BeforeData)
	default:
		return fmt.Errorf("unknown snapshot operation %q", snap.Operation)
	}
}

func validateSnapshot(op Operation, before, after map[string]any) error {
	switch op {
	case OpCreate:
		if before != nil {
			return fmt.Errorf("create snapshot must not carry before_data")
		}
		if after == nil {
			return fmt.Errorf("create snapshot requires after_data")
		}
	case OpUpdate:
		if before == nil || after == nil {
			return fmt.Errorf("update snapshot requires both before_data and after_data")
		}
	case OpDelete:
		if after != nil {
			return fmt.Errorf("delete snapshot must not carry after_data")
		}
		if before == nil {
			return fmt.Errorf("delete snapshot requires before_data")
		}
	default:
		return fmt.Errorf("unknown snapshot operation %q", op)
	}
	return nil
}
