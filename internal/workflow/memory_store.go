package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and single-process setups.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*Workflow
	runs      map[uuid.UUID]*Run
	notes     map[uuid.UUID][]Note
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[uuid.UUID]*Workflow),
		runs:      make(map[uuid.UUID]*Run),
		notes:     make(map[uuid.UUID][]Note),
	}
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, orgID, id uuid.UUID) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok || wf.OrgID != orgID {
		return nil, ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) GetWorkflowByName(_ context.Context, orgID uuid.UUID, name string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wf := range s.workflows {
		if wf.OrgID == orgID && wf.Name == name {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, ErrWorkflowNotFound
}

func (s *MemoryStore) ListWorkflows(_ context.Context, orgID uuid.UUID) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Workflow
	for _, wf := range s.workflows {
		if wf.OrgID == orgID {
			out = append(out, *wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListScheduled(_ context.Context) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Workflow
	for _, wf := range s.workflows {
		if wf.Enabled && wf.TriggerType == TriggerSchedule {
			out = append(out, *wf)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrWorkflowNotFound
	}
	cp := *wf
	cp.UpdatedAt = time.Now().UTC()
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, orgID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.OrgID != orgID {
		return ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	return nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, orgID, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok || run.OrgID != orgID {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, orgID, workflowID uuid.UUID, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, run := range s.runs {
		if run.OrgID == orgID && run.WorkflowID == workflowID {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LastCompletedAt(_ context.Context, orgID, workflowID uuid.UUID) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for _, run := range s.runs {
		if run.OrgID != orgID || run.WorkflowID != workflowID {
			continue
		}
		if run.Status == RunCompleted && run.CompletedAt != nil {
			if latest == nil || run.CompletedAt.After(*latest) {
				t := *run.CompletedAt
				latest = &t
			}
		}
	}
	return latest, nil
}

func (s *MemoryStore) AppendNote(_ context.Context, orgID, runID uuid.UUID, note Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.OrgID != orgID {
		return ErrRunNotFound
	}
	s.notes[runID] = append(s.notes[runID], note)
	return nil
}

func (s *MemoryStore) Notes(_ context.Context, orgID, runID uuid.UUID) ([]Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok || run.OrgID != orgID {
		return nil, ErrRunNotFound
	}
	out := make([]Note, len(s.notes[runID]))
	copy(out, s.notes[runID])
	return out, nil
}

func (s *MemoryStore) DeleteNote(_ context.Context, orgID, runID uuid.UUID, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.OrgID != orgID {
		return ErrRunNotFound
	}
	notes := s.notes[runID]
	if index < 0 || index >= len(notes) {
		return ErrNoteNotFound
	}
	s.notes[runID] = append(notes[:index], notes[index+1:]...)
	return nil
}

var _ Store = (*MemoryStore)(nil)
