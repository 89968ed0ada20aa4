package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory OperationStore, used in single-process mode
// and as the fixture for state-machine tests. All transitions out of pending
// happen under one mutex, giving the same single-winner semantics as the
// conditional UPDATE in the SQL backends.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]*PendingOperation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*PendingOperation)}
}

func (s *MemoryStore) Create(_ context.Context, op *PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.expireLocked(op)
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) BeginExecution(_ context.Context, id, approverID string) (*PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	if op.Status == StatusExpired || s.expireLocked(op) {
		return nil, ErrExpired
	}
	if op.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	op.Status = StatusExecuting
	op.ApprovedBy = approverID
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) FinishExecution(_ context.Context, id string, res *ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status != StatusExecuting {
		return ErrAlreadyResolved
	}
	now := time.Now().UTC()
	if res.Success {
		op.Status = StatusCompleted
	} else {
		op.Status = StatusFailed
	}
	op.Result = res.Result
	op.ErrorMessage = res.ErrorMessage
	op.SuccessCount = res.SuccessCount
	op.FailureCount = res.FailureCount
	op.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, id, denierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status == StatusExpired || s.expireLocked(op) {
		return ErrExpired
	}
	if op.Status != StatusPending {
		return ErrAlreadyResolved
	}
	now := time.Now().UTC()
	op.Status = StatusCanceled
	op.ApprovedBy = denierID
	op.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, orgID uuid.UUID) ([]PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingOperation
	for _, op := range s.ops {
		if op.OrgID != orgID {
			continue
		}
		s.expireLocked(op)
		if op.Status == StatusPending {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ExpireOld(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, op := range s.ops {
		if s.expireLocked(op) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteResolved(_ context.Context, olderThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	for id, op := range s.ops {
		if op.Status != StatusPending && op.CreatedAt.Before(cutoff) {
			delete(s.ops, id)
		}
	}
	return nil
}

// expireLocked transitions a pending operation past its deadline to expired.
// Returns true if the transition happened in this call.
func (s *MemoryStore) expireLocked(op *PendingOperation) bool {
	if op.Status == StatusPending && time.Now().UTC().After(op.ExpiresAt) {
		op.Status = StatusExpired
		return true
	}
	return false
}
