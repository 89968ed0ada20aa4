package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory SessionStore, used in single-process mode and
// as the fixture for rollback tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*ChangeSession
	snaps    map[uuid.UUID][]RecordSnapshot // session ID -> snapshots, append order.
	nextSeq  map[uuid.UUID]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*ChangeSession),
		snaps:    make(map[uuid.UUID][]RecordSnapshot),
		nextSeq:  make(map[uuid.UUID]int),
	}
}

func (s *MemoryStore) Create(_ context.Context, cs *ChangeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cs
	s.sessions[cs.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*ChangeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *cs
	return &cp, nil
}

func (s *MemoryStore) OpenForConversation(_ context.Context, orgID, conversationID uuid.UUID) (*ChangeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.sessions {
		if cs.OrgID == orgID && cs.ConversationID == conversationID && cs.Status == StatusPending {
			cp := *cs
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id uuid.UUID, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if cs.Status != StatusPending {
		return ErrSessionResolved
	}
	now := time.Now().UTC()
	cs.Status = status
	cs.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) AppendSnapshot(_ context.Context, snap *RecordSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[snap.SessionID]; !ok {
		return ErrSessionNotFound
	}
	cp := *snap
	cp.Seq = s.nextSeq[snap.SessionID]
	s.nextSeq[snap.SessionID]++
	s.snaps[snap.SessionID] = append(s.snaps[snap.SessionID], cp)
	return nil
}

func (s *MemoryStore) Snapshots(_ context.Context, sessionID uuid.UUID) ([]RecordSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snaps[sessionID]
	out := make([]RecordSnapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}
