package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/workflow"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []uuid.UUID
	users []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, orgID, workflowID uuid.UUID, userID, triggeredBy string, _ map[string]any) (*workflow.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if triggeredBy != "schedule" {
		panic("unexpected trigger " + triggeredBy)
	}
	d.calls = append(d.calls, workflowID)
	d.users = append(d.users, userID)
	return &workflow.Run{ID: uuid.New(), WorkflowID: workflowID, OrgID: orgID, Status: workflow.RunPending}, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func seedScheduled(t *testing.T, store *workflow.MemoryStore, cronExpr string) *workflow.Workflow {
	t.Helper()
	wf := &workflow.Workflow{
		ID:            uuid.New(),
		OrgID:         uuid.New(),
		Name:          "nightly-sync",
		TriggerType:   workflow.TriggerSchedule,
		TriggerConfig: map[string]any{"cron": cronExpr},
		Enabled:       true,
	}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf
}

func TestFiresWhenDue(t *testing.T) {
	store := workflow.NewMemoryStore()
	wf := seedScheduled(t, store, "*/5 * * * *")
	dispatcher := &recordingDispatcher{}
	s := New(store, dispatcher, time.Minute, nil)

	base := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(context.Background()) // First sighting only schedules, never fires.
	if dispatcher.count() != 0 {
		t.Fatalf("fired on first sighting: %d calls", dispatcher.count())
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.Tick(context.Background()) // 09:02, next slot is 09:05.
	if dispatcher.count() != 0 {
		t.Fatalf("fired before the slot: %d calls", dispatcher.count())
	}

	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	s.Tick(context.Background()) // 09:06, past the 09:05 slot.
	if dispatcher.count() != 1 || dispatcher.calls[0] != wf.ID {
		t.Fatalf("calls = %v", dispatcher.calls)
	}
	if dispatcher.users[0] != "" {
		t.Errorf("scheduled run carries user %q, want none", dispatcher.users[0])
	}

	s.now = func() time.Time { return base.Add(7 * time.Minute) }
	s.Tick(context.Background()) // Same slot must not re-fire.
	if dispatcher.count() != 1 {
		t.Fatalf("slot fired twice: %d calls", dispatcher.count())
	}
}

func TestDisabledWorkflowDropsSchedule(t *testing.T) {
	store := workflow.NewMemoryStore()
	wf := seedScheduled(t, store, "0 * * * *")
	dispatcher := &recordingDispatcher{}
	s := New(store, dispatcher, time.Minute, nil)

	base := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Tick(context.Background())

	wf.Enabled = false
	if err := store.UpdateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	s.Tick(context.Background())
	if dispatcher.count() != 0 {
		t.Fatalf("disabled workflow fired: %d calls", dispatcher.count())
	}
	if _, tracked := s.nextRun[wf.ID]; tracked {
		t.Error("disabled workflow still tracked")
	}
}

func TestInvalidCronSkipped(t *testing.T) {
	store := workflow.NewMemoryStore()
	seedScheduled(t, store, "not a cron")
	dispatcher := &recordingDispatcher{}
	s := New(store, dispatcher, time.Minute, nil)

	s.Tick(context.Background())
	s.Tick(context.Background())
	if dispatcher.count() != 0 {
		t.Fatalf("invalid schedule fired: %d calls", dispatcher.count())
	}
}

func TestNextRunFrom(t *testing.T) {
	from := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	next, err := NextRunFrom("0 9 * * 1", from)
	if err != nil {
		t.Fatalf("NextRunFrom: %v", err)
	}
	if next.Weekday() != time.Monday || next.Hour() != 9 {
		t.Errorf("next = %v", next)
	}
	if _, err := NextRunFrom("bogus", from); err == nil {
		t.Error("bogus expression accepted")
	}
}
