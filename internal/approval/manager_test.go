package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// countingExecutor records how many times it ran.
type countingExecutor struct {
	calls int32
	err   error
}

func (e *countingExecutor) ExecuteApproved(_ context.Context, _ *PendingOperation) (*ExecutionResult, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.err != nil {
		return nil, e.err
	}
	return &ExecutionResult{Success: true, Result: map[string]any{"ok": true}}, nil
}

// recordingNotifier captures lifecycle events.
type recordingNotifier struct {
	mu       sync.Mutex
	created  []string
	resolved []string
}

func (n *recordingNotifier) OperationCreated(op *PendingOperation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, op.ID)
}

func (n *recordingNotifier) OperationResolved(op *PendingOperation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, op.ID)
}

func newTestManager(t *testing.T) (*Manager, *countingExecutor) {
	t.Helper()
	m := NewManager(NewMemoryStore(), slog.Default())
	exec := &countingExecutor{}
	m.SetExecutor(exec)
	return m, exec
}

func createOp(t *testing.T, m *Manager, ttl time.Duration) *Preview {
	t.Helper()
	preview, err := m.Create(context.Background(), &CreateRequest{
		OrgID:   uuid.New(),
		UserID:  "u1",
		Payload: GenericOperation{Tool: "send_email", Params: map[string]any{"to": "a@b.c"}},
		TTL:     ttl,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return preview
}

func TestApproveConcurrentSingleWinner(t *testing.T) {
	m, exec := newTestManager(t)
	preview := createOp(t, m, 0)

	const approvers = 16
	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < approvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Approve(context.Background(), preview.OperationID, "approver")
			if err == nil && res.Success {
				atomic.AddInt32(&wins, 1)
				return
			}
			if !errors.Is(err, ErrAlreadyResolved) {
				t.Errorf("loser got %v, want ErrAlreadyResolved", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if got := atomic.LoadInt32(&exec.calls); got != 1 {
		t.Fatalf("executor ran %d times, want exactly 1", got)
	}
}

func TestApproveExpiredOperation(t *testing.T) {
	m, exec := newTestManager(t)
	preview := createOp(t, m, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if _, err := m.Approve(context.Background(), preview.OperationID, "approver"); !errors.Is(err, ErrExpired) {
		t.Fatalf("Approve = %v, want ErrExpired", err)
	}
	if exec.calls != 0 {
		t.Fatal("expired operation was executed")
	}

	op, err := m.Get(context.Background(), preview.OperationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.Status != StatusExpired {
		t.Errorf("status = %s, want expired", op.Status)
	}
}

func TestDenyBlocksLaterApproval(t *testing.T) {
	m, exec := newTestManager(t)
	preview := createOp(t, m, 0)

	if err := m.Deny(context.Background(), preview.OperationID, "reviewer"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if _, err := m.Approve(context.Background(), preview.OperationID, "approver"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Approve after deny = %v, want ErrAlreadyResolved", err)
	}
	if exec.calls != 0 {
		t.Fatal("denied operation was executed")
	}

	op, err := m.Get(context.Background(), preview.OperationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", op.Status)
	}
	if op.ApprovedBy != "reviewer" {
		t.Errorf("resolver = %q, want reviewer", op.ApprovedBy)
	}
}

func TestApproveExecutionErrorBecomesFailedResult(t *testing.T) {
	m, exec := newTestManager(t)
	exec.err = errors.New("upstream 500")
	preview := createOp(t, m, 0)

	res, err := m.Approve(context.Background(), preview.OperationID, "approver")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Success {
		t.Fatal("failed execution reported success")
	}
	if res.ErrorMessage != "upstream 500" {
		t.Errorf("error message = %q", res.ErrorMessage)
	}

	op, err := m.Get(context.Background(), preview.OperationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.Status != StatusFailed {
		t.Errorf("status = %s, want failed", op.Status)
	}
}

func TestListPendingScopedToOrg(t *testing.T) {
	m, _ := newTestManager(t)
	orgA, orgB := uuid.New(), uuid.New()

	for _, org := range []uuid.UUID{orgA, orgA, orgB} {
		if _, err := m.Create(context.Background(), &CreateRequest{
			OrgID:   org,
			UserID:  "u1",
			Payload: GenericOperation{Tool: "send_email"},
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	ops, err := m.ListPending(context.Background(), orgA)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("pending for orgA = %d, want 2", len(ops))
	}
}

func TestSweepRemovesForgottenOperations(t *testing.T) {
	m, _ := newTestManager(t)
	preview := createOp(t, m, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSweep := m.StartSweep(ctx, 5*time.Millisecond, time.Millisecond)
	defer stopSweep()

	// The sweep first expires the overdue row, then deletes it once it is
	// older than the retention window.
	deadline := time.After(2 * time.Second)
	for {
		_, err := m.Get(context.Background(), preview.OperationID)
		if errors.Is(err, ErrNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("swept operation still present after 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNotifierReceivesLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	n := &recordingNotifier{}
	m.SetNotifier(n)

	preview := createOp(t, m, 0)
	if _, err := m.Approve(context.Background(), preview.OperationID, "approver"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.created) != 1 || n.created[0] != preview.OperationID {
		t.Errorf("created events = %v", n.created)
	}
	if len(n.resolved) != 1 || n.resolved[0] != preview.OperationID {
		t.Errorf("resolved events = %v", n.resolved)
	}
}
