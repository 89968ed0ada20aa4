// Package storage defines the unified Store interface that abstracts all
// persistence operations. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production/multi-tenant).
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/policy"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/workflow"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the unified persistence interface for Mauzo.
// It provides access to all domain-specific sub-stores through accessor
// methods. Both backends implement this interface; the returned stores share
// the same underlying connection.
type Store interface {
	// Operations persists pending operations and enforces the approval
	// state machine's atomic transitions.
	Operations() approval.OperationStore

	// Sessions persists change sessions and their record snapshots.
	Sessions() session.SessionStore

	// Workflows persists workflows, runs, and notes.
	Workflows() workflow.Store

	// UserSettings reads per-user tool approval overrides.
	UserSettings() policy.UserSettingStore

	// SyncStatus persists connector sync attempts.
	SyncStatus() connector.SyncStatusStore

	// Records is the durable record mirror that CRM writes and session
	// rollback operate on.
	Records() session.RecordStore

	// EnsureOrg creates or retrieves an organization by name.
	EnsureOrg(ctx context.Context, name string) (uuid.UUID, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}
