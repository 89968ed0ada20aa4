package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/connector"
)

func newTestEngine(t *testing.T) (*Engine, *connector.Memory) {
	t.Helper()
	records := connector.NewMemory()
	return NewEngine(NewMemoryStore(), records, slog.Default()), records
}

func TestBeginReusesOpenSession(t *testing.T) {
	e, _ := newTestEngine(t)
	orgID, convID := uuid.New(), uuid.New()

	first, err := e.Begin(context.Background(), orgID, "u1", convID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	second, err := e.Begin(context.Background(), orgID, "u1", convID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("conversation got two sessions: %s and %s", first.ID, second.ID)
	}

	// A different conversation gets its own session.
	other, err := e.Begin(context.Background(), orgID, "u1", uuid.New())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if other.ID == first.ID {
		t.Error("sessions shared across conversations")
	}
}

func TestBeginAfterResolveOpensNewSession(t *testing.T) {
	e, _ := newTestEngine(t)
	orgID, convID := uuid.New(), uuid.New()

	first, err := e.Begin(context.Background(), orgID, "u1", convID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Approve(context.Background(), first.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	second, err := e.Begin(context.Background(), orgID, "u1", convID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if second.ID == first.ID {
		t.Error("approved session was reused")
	}
}

func TestRecordValidatesSnapshotShape(t *testing.T) {
	e, _ := newTestEngine(t)
	cs, err := e.Begin(context.Background(), uuid.New(), "u1", uuid.New())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	data := map[string]any{"name": "Ada"}
	cases := []struct {
		name          string
		op            Operation
		before, after map[string]any
	}{
		{"create with before", OpCreate, data, data},
		{"create without after", OpCreate, nil, nil},
		{"update without before", OpUpdate, nil, data},
		{"delete with after", OpDelete, data, data},
		{"delete without before", OpDelete, nil, nil},
		{"unknown op", Operation("merge"), data, data},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := e.Record(context.Background(), cs, "contacts", "c1", tc.op, tc.before, tc.after); err == nil {
				t.Error("Record accepted an invalid snapshot")
			}
		})
	}
}

func TestDiscardUnwindsInReverseOrder(t *testing.T) {
	e, records := newTestEngine(t)
	orgID := uuid.New()
	ctx := context.Background()

	cs, err := e.Begin(ctx, orgID, "u1", uuid.New())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Simulate one turn: create c1, update it, delete an existing c2.
	if err := records.InsertRecord(ctx, orgID, "contacts", "c1", map[string]any{"id": "c1", "name": "Ada"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if err := e.Record(ctx, cs, "contacts", "c1", OpCreate, nil, map[string]any{"id": "c1", "name": "Ada"}); err != nil {
		t.Fatalf("Record create: %v", err)
	}

	if err := records.UpdateRecord(ctx, orgID, "contacts", "c1", map[string]any{"id": "c1", "name": "Ada L."}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if err := e.Record(ctx, cs, "contacts", "c1", OpUpdate,
		map[string]any{"id": "c1", "name": "Ada"},
		map[string]any{"id": "c1", "name": "Ada L."}); err != nil {
		t.Fatalf("Record update: %v", err)
	}

	if err := records.InsertRecord(ctx, orgID, "contacts", "c2", map[string]any{"id": "c2", "name": "Grace"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if err := records.DeleteRecord(ctx, orgID, "contacts", "c2"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if err := e.Record(ctx, cs, "contacts", "c2", OpDelete, map[string]any{"id": "c2", "name": "Grace"}, nil); err != nil {
		t.Fatalf("Record delete: %v", err)
	}

	outcome, err := e.Discard(ctx, cs.ID)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if outcome.RolledBack != 3 || len(outcome.Failures) != 0 {
		t.Fatalf("outcome = %+v", outcome)
	}

	// c1 was created in the session: rolled back to absent.
	if _, err := records.GetRecord(ctx, orgID, "contacts", "c1"); err == nil {
		t.Error("created record survived discard")
	}
	// c2 was deleted in the session: restored.
	rec, err := records.GetRecord(ctx, orgID, "contacts", "c2")
	if err != nil {
		t.Fatalf("GetRecord c2: %v", err)
	}
	if rec["name"] != "Grace" {
		t.Errorf("restored c2 = %v", rec)
	}
}

func TestDiscardReportsPartialRollback(t *testing.T) {
	e, records := newTestEngine(t)
	orgID := uuid.New()
	ctx := context.Background()

	cs, err := e.Begin(ctx, orgID, "u1", uuid.New())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := records.InsertRecord(ctx, orgID, "contacts", "c1", map[string]any{"id": "c1"}); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	if err := e.Record(ctx, cs, "contacts", "c1", OpCreate, nil, map[string]any{"id": "c1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// An update snapshot for a record that no longer exists: its restore
	// fails, the rest of the walk continues.
	if err := e.Record(ctx, cs, "contacts", "ghost", OpUpdate,
		map[string]any{"id": "ghost"}, map[string]any{"id": "ghost", "x": 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	outcome, err := e.Discard(ctx, cs.ID)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if outcome.RolledBack != 1 {
		t.Errorf("rolled_back = %d, want 1", outcome.RolledBack)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].RecordID != "ghost" {
		t.Errorf("failures = %+v", outcome.Failures)
	}
	if _, err := records.GetRecord(ctx, orgID, "contacts", "c1"); err == nil {
		t.Error("create snapshot was not unwound after earlier failure")
	}
}

func TestResolveIsTerminal(t *testing.T) {
	e, _ := newTestEngine(t)
	cs, err := e.Begin(context.Background(), uuid.New(), "u1", uuid.New())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Approve(context.Background(), cs.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if _, err := e.Discard(context.Background(), cs.ID); !errors.Is(err, ErrSessionResolved) {
		t.Errorf("Discard after approve = %v, want ErrSessionResolved", err)
	}
	if err := e.Approve(context.Background(), cs.ID); !errors.Is(err, ErrSessionResolved) {
		t.Errorf("second Approve = %v, want ErrSessionResolved", err)
	}
}

func TestDiscardUnknownSession(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Discard(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Discard = %v, want ErrSessionNotFound", err)
	}
}
