package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func waitForStatus(t *testing.T, pool *WorkerPool, id uuid.UUID, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := pool.Inspect(context.Background(), id)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := pool.Inspect(context.Background(), id)
	t.Fatalf("task never reached %s, last status %s", want, task.Status)
	return nil
}

func TestWorkerPoolRunsTask(t *testing.T) {
	var ran atomic.Bool
	pool := NewWorkerPool(2, func(ctx context.Context, task *Task) error {
		if task.Kind != "workflow_run" {
			t.Errorf("kind = %q, want workflow_run", task.Kind)
		}
		ran.Store(true)
		return nil
	}, nil)
	pool.Start(context.Background())
	defer pool.Shutdown()

	id, err := pool.Enqueue(context.Background(), "workflow_run", map[string]any{"run_id": "r1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task := waitForStatus(t, pool, id, StatusDone)
	if !ran.Load() {
		t.Error("handler never ran")
	}
	if task.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestWorkerPoolFailedTask(t *testing.T) {
	pool := NewWorkerPool(1, func(ctx context.Context, task *Task) error {
		return errors.New("boom")
	}, nil)
	pool.Start(context.Background())
	defer pool.Shutdown()

	id, err := pool.Enqueue(context.Background(), "workflow_run", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task := waitForStatus(t, pool, id, StatusFailed)
	if task.Error != "boom" {
		t.Errorf("Error = %q, want boom", task.Error)
	}
}

func TestWorkerPoolRevokeRunning(t *testing.T) {
	started := make(chan struct{})
	pool := NewWorkerPool(1, func(ctx context.Context, task *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	pool.Start(context.Background())
	defer pool.Shutdown()

	id, err := pool.Enqueue(context.Background(), "workflow_run", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	<-started
	if err := pool.Revoke(context.Background(), id); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	waitForStatus(t, pool, id, StatusRevoked)
}

func TestWorkerPoolRevokeTerminal(t *testing.T) {
	pool := NewWorkerPool(1, func(ctx context.Context, task *Task) error {
		return nil
	}, nil)
	pool.Start(context.Background())
	defer pool.Shutdown()

	id, _ := pool.Enqueue(context.Background(), "workflow_run", nil)
	waitForStatus(t, pool, id, StatusDone)

	if err := pool.Revoke(context.Background(), id); !errors.Is(err, ErrNotRevocable) {
		t.Errorf("Revoke on done task = %v, want ErrNotRevocable", err)
	}
}

func TestWorkerPoolUnknownTask(t *testing.T) {
	pool := NewWorkerPool(1, func(ctx context.Context, task *Task) error { return nil }, nil)
	pool.Start(context.Background())
	defer pool.Shutdown()

	if _, err := pool.Inspect(context.Background(), uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Inspect unknown = %v, want ErrTaskNotFound", err)
	}
	if err := pool.Revoke(context.Background(), uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Revoke unknown = %v, want ErrTaskNotFound", err)
	}
}

func TestWorkerPoolEnqueueAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1, func(ctx context.Context, task *Task) error { return nil }, nil)
	pool.Start(context.Background())
	pool.Shutdown()

	if _, err := pool.Enqueue(context.Background(), "workflow_run", nil); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrQueueClosed", err)
	}
}
