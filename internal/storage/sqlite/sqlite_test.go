package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/session"
	pgstore "github.com/jkaninda/mauzo/internal/storage/postgres"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "mauzo.db")}, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func TestAppendSnapshotAssignsMonotonicSeq(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID, err := st.EnsureOrg(ctx, "test")
	if err != nil {
		t.Fatalf("EnsureOrg: %v", err)
	}
	engine := session.NewEngine(st.Sessions(), st.Records(), slog.Default())
	cs, err := engine.Begin(ctx, orgID, "u1", uuid.New())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := engine.Record(ctx, cs, "contacts", "c1", session.OpCreate, nil, map[string]any{"name": "Ada"}); err != nil {
		t.Fatalf("Record create: %v", err)
	}
	if err := engine.Record(ctx, cs, "contacts", "c1", session.OpUpdate, map[string]any{"name": "Ada"}, map[string]any{"name": "Grace"}); err != nil {
		t.Fatalf("Record update: %v", err)
	}
	if err := engine.Record(ctx, cs, "contacts", "c1", session.OpUpdate, map[string]any{"name": "Grace"}, map[string]any{"name": "Edith"}); err != nil {
		t.Fatalf("Record update: %v", err)
	}

	snaps, err := st.Sessions().Snapshots(ctx, cs.ID)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	wantOps := []session.Operation{session.OpCreate, session.OpUpdate, session.OpUpdate}
	for i, snap := range snaps {
		if snap.Seq != i {
			t.Errorf("snapshot %d: seq = %d, want %d", i, snap.Seq, i)
		}
		if snap.Operation != wantOps[i] {
			t.Errorf("snapshot %d: operation = %q, want %q", i, snap.Operation, wantOps[i])
		}
	}
}

func TestDiscardOnDurableStoreUnwindsInRecordedOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID, err := st.EnsureOrg(ctx, "test")
	if err != nil {
		t.Fatalf("EnsureOrg: %v", err)
	}
	records := st.Records()
	engine := session.NewEngine(st.Sessions(), st.Records(), slog.Default())
	cs, err := engine.Begin(ctx, orgID, "u1", uuid.New())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Create then update the same record. The unwind must restore the update
	// before deleting the record, so both snapshots succeed.
	if err := engine.Record(ctx, cs, "contacts", "c1", session.OpCreate, nil, map[string]any{"name": "Ada"}); err != nil {
		t.Fatalf("Record create: %v", err)
	}
	if err := records.InsertRecord(ctx, orgID, "contacts", "c1", map[string]any{"name": "Ada"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if err := engine.Record(ctx, cs, "contacts", "c1", session.OpUpdate, map[string]any{"name": "Ada"}, map[string]any{"name": "Grace"}); err != nil {
		t.Fatalf("Record update: %v", err)
	}
	if err := records.UpdateRecord(ctx, orgID, "contacts", "c1", map[string]any{"name": "Grace"}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	outcome, err := engine.Discard(ctx, cs.ID)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if len(outcome.Failures) != 0 {
		t.Fatalf("unexpected rollback failures: %+v", outcome.Failures)
	}
	if outcome.RolledBack != 2 {
		t.Errorf("RolledBack = %d, want 2", outcome.RolledBack)
	}
	if _, err := records.GetRecord(ctx, orgID, "contacts", "c1"); !errors.Is(err, pgstore.ErrRecordNotFound) {
		t.Errorf("expected record deleted after discard, got err %v", err)
	}
}
