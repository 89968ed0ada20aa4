// Package session groups the local-write mutations of one agent turn into a
// change session that can be reviewed and rolled back as a unit.
//
// Every local-write tool call reports its mutation through Record before the
// mutation is considered complete (snapshot-then-write ordering), so a crash
// mid-write still leaves a consistent snapshot trail. Discarding a session
// walks its snapshots in reverse chronological order and restores the
// pre-change state.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("change session not found")
	ErrSessionResolved = errors.New("change session already resolved")
)

// Status represents the state of a change session.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Operation classifies one snapshotted mutation.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeSession groups the snapshots of one agent task's writes.
type ChangeSession struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	UserID         string
	ConversationID uuid.UUID
	Status         Status
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// RecordSnapshot is the before/after state of one record.
// Invariants: create => BeforeData nil; delete => AfterData nil;
// update => both present.
type RecordSnapshot struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	OrgID      uuid.UUID
	TableName  string
	RecordID   string
	Operation  Operation
	BeforeData map[string]any
	AfterData  map[string]any
	CreatedAt  time.Time
	Seq        int // Monotonic within the session; rollback runs in reverse Seq order.
}

// SessionStore persists change sessions and their snapshots.
type SessionStore interface {
	Create(ctx context.Context, cs *ChangeSession) error
	Get(ctx context.Context, id uuid.UUID) (*ChangeSession, error)
	// OpenForConversation returns the conversation's current pending session,
	// or nil when there is none.
	OpenForConversation(ctx context.Context, orgID, conversationID uuid.UUID) (*ChangeSession, error)
	// Resolve transitions pending -> approved|discarded; ErrSessionResolved
	// if the session already left pending.
	Resolve(ctx context.Context, id uuid.UUID, status Status) error
	AppendSnapshot(ctx context.Context, snap *RecordSnapshot) error
	// Snapshots returns the session's snapshots in ascending Seq order.
	Snapshots(ctx context.Context, sessionID uuid.UUID) ([]RecordSnapshot, error)
}

// RecordStore applies rollback operations to the synced-record layer.
// The memory connector implements it; a SQL-backed record layer would too.
type RecordStore interface {
	GetRecord(ctx context.Context, orgID uuid.UUID, table, recordID string) (map[string]any, error)
	InsertRecord(ctx context.Context, orgID uuid.UUID, table, recordID string, data map[string]any) error
	UpdateRecord(ctx context.Context, orgID uuid.UUID, table, recordID string, data map[string]any) error
	DeleteRecord(ctx context.Context, orgID uuid.UUID, table, recordID string) error
}

// RollbackFailure describes one snapshot that could not be restored during a
// discard. Partial rollback is reported, never hidden.
type RollbackFailure struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
	TableName  string    `json:"table_name"`
	RecordID   string    `json:"record_id"`
	Error      string    `json:"error"`
}

// DiscardOutcome summarizes a discard: how many snapshots were unwound and
// which ones failed.
type DiscardOutcome struct {
	SessionID  uuid.UUID         `json:"session_id"`
	RolledBack int               `json:"rolled_back"`
	Failures   []RollbackFailure `json:"failures,omitempty"`
}
