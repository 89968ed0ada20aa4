package postgres

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/policy"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/storage"
	"github.com/jkaninda/mauzo/internal/workflow"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu         sync.Mutex
	operations approval.OperationStore
	sessions   session.SessionStore
	workflows  workflow.Store
	settings   policy.UserSettingStore
	syncStatus connector.SyncStatusStore
	records    *RecordRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

func (s *Store) EnsureOrg(ctx context.Context, name string) (uuid.UUID, error) {
	repo := NewOrgRepository(s.pgDB.GormDB())
	return repo.EnsureDefaultOrg(ctx, name)
}

// --- Sub-store accessors ---

func (s *Store) Operations() approval.OperationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operations == nil {
		s.operations = NewOperationRepository(s.pgDB.GormDB())
	}
	return s.operations
}

func (s *Store) Sessions() session.SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = NewSessionRepository(s.pgDB.GormDB())
	}
	return s.sessions
}

func (s *Store) Workflows() workflow.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workflows == nil {
		s.workflows = NewWorkflowRepository(s.pgDB.GormDB())
	}
	return s.workflows
}

func (s *Store) UserSettings() policy.UserSettingStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = NewSettingRepository(s.pgDB.GormDB())
	}
	return s.settings
}

func (s *Store) SyncStatus() connector.SyncStatusStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncStatus == nil {
		s.syncStatus = NewSyncStatusRepository(s.pgDB.GormDB())
	}
	return s.syncStatus
}

// Records returns the durable synced-record layer.
func (s *Store) Records() session.RecordStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = NewRecordRepository(s.pgDB.GormDB())
	}
	return s.records
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
