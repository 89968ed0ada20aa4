// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns use TEXT type (SQLite stores JSON as text natively)
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/policy"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/storage"
	pgstore "github.com/jkaninda/mauzo/internal/storage/postgres"
	"github.com/jkaninda/mauzo/internal/workflow"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	// Sub-store instances (created lazily on first access).
	mu         sync.Mutex
	operations approval.OperationStore
	sessions   session.SessionStore
	workflows  workflow.Store
	settings   policy.UserSettingStore
	syncStatus connector.SyncStatusStore
	records    *pgstore.RecordRepository
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
// Uses the same models as the PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// GormDB returns the underlying GORM DB for sub-store construction.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// EnsureOrg creates or retrieves an organization by name.
func (s *Store) EnsureOrg(ctx context.Context, name string) (uuid.UUID, error) {
	repo := pgstore.NewOrgRepository(s.db)
	return repo.EnsureDefaultOrg(ctx, name)
}

// --- Sub-store accessors ---
// All sub-stores reuse the existing PostgreSQL repository implementations
// since they operate on the same GORM models. GORM's SQLite dialect handles
// the SQL differences transparently.

func (s *Store) Operations() approval.OperationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operations == nil {
		s.operations = pgstore.NewOperationRepository(s.db)
	}
	return s.operations
}

func (s *Store) Sessions() session.SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = pgstore.NewSessionRepository(s.db)
	}
	return s.sessions
}

func (s *Store) Workflows() workflow.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workflows == nil {
		s.workflows = pgstore.NewWorkflowRepository(s.db)
	}
	return s.workflows
}

func (s *Store) UserSettings() policy.UserSettingStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = pgstore.NewSettingRepository(s.db)
	}
	return s.settings
}

func (s *Store) SyncStatus() connector.SyncStatusStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncStatus == nil {
		s.syncStatus = pgstore.NewSyncStatusRepository(s.db)
	}
	return s.syncStatus
}

// Records returns the durable synced-record layer.
func (s *Store) Records() session.RecordStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = pgstore.NewRecordRepository(s.db)
	}
	return s.records
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
