package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBuffer = 256

// WorkerPool is an in-process TaskQueue backed by a fixed set of worker
// goroutines. Tasks are dropped on process restart; durable state lives
// in the stores the handlers write to, not in the queue.
type WorkerPool struct {
	handler Handler
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   map[uuid.UUID]*Task
	cancels map[uuid.UUID]context.CancelFunc
	closed  bool

	ch   chan uuid.UUID
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewWorkerPool creates a pool with the given concurrency. Call Start
// before enqueueing.
func NewWorkerPool(workers int, handler Handler, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		handler: handler,
		workers: workers,
		logger:  logger.With(slog.String("component", "queue")),
		tasks:   make(map[uuid.UUID]*Task),
		cancels: make(map[uuid.UUID]context.CancelFunc),
		ch:      make(chan uuid.UUID, defaultBuffer),
	}
}

// Start launches the worker goroutines. Workers exit when ctx is
// cancelled or Shutdown is called.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", slog.Int("workers", p.workers))
}

// Shutdown stops accepting tasks, cancels running ones, and waits for
// the workers to exit.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if p.stop != nil {
		p.stop()
	}
	p.wg.Wait()
}

// Enqueue implements TaskQueue.
func (p *WorkerPool) Enqueue(_ context.Context, kind string, payload map[string]any) (uuid.UUID, error) {
	task := &Task{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    payload,
		Status:     StatusQueued,
		EnqueuedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return uuid.Nil, ErrQueueClosed
	}
	p.tasks[task.ID] = task
	p.mu.Unlock()

	select {
	case p.ch <- task.ID:
		return task.ID, nil
	default:
		p.mu.Lock()
		delete(p.tasks, task.ID)
		p.mu.Unlock()
		return uuid.Nil, ErrQueueClosed
	}
}

// Revoke implements TaskQueue. A queued task is marked revoked and will
// be skipped by the workers; a running task has its context cancelled
// and finishes as revoked when the handler observes the cancellation.
func (p *WorkerPool) Revoke(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case StatusQueued:
		task.Status = StatusRevoked
		now := time.Now().UTC()
		task.FinishedAt = &now
		return nil
	case StatusRunning:
		if cancel, ok := p.cancels[id]; ok {
			cancel()
		}
		return nil
	default:
		return ErrNotRevocable
	}
}

// Inspect implements TaskQueue.
func (p *WorkerPool) Inspect(_ context.Context, id uuid.UUID) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.ch:
			p.runTask(ctx, id)
		}
	}
}

func (p *WorkerPool) runTask(ctx context.Context, id uuid.UUID) {
	p.mu.Lock()
	task, ok := p.tasks[id]
	if !ok || task.Status != StatusQueued {
		p.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = StatusRunning
	task.StartedAt = &now

	taskCtx, cancel := context.WithCancel(ctx)
	p.cancels[id] = cancel
	cp := *task
	p.mu.Unlock()

	err := p.handler(taskCtx, &cp)
	// Read the context state before cancel, which would otherwise make every
	// handler error look like a revocation.
	ctxErr := taskCtx.Err()
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancels, id)
	done := time.Now().UTC()
	task.FinishedAt = &done
	switch {
	case err == nil:
		task.Status = StatusDone
	case ctxErr != nil:
		task.Status = StatusRevoked
		task.Error = err.Error()
	default:
		task.Status = StatusFailed
		task.Error = err.Error()
		p.logger.Warn("task failed",
			slog.String("task_id", id.String()),
			slog.String("kind", task.Kind),
			slog.String("error", err.Error()),
		)
	}
}

var _ TaskQueue = (*WorkerPool)(nil)
