package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrRecordNotFound is returned by record-level reads on missing records.
var ErrRecordNotFound = errors.New("record not found")

// Memory is the built-in connector backed by the local synced-record store.
// It serves the CRM tools and, through the record-level methods, the
// change-session rollback path. Also used as the storage fixture in tests.
type Memory struct {
	mu sync.RWMutex
	// org → table → record ID → record data.
	orgs map[uuid.UUID]map[string]map[string]map[string]any
}

// NewMemory creates an empty in-memory connector.
func NewMemory() *Memory {
	return &Memory{orgs: make(map[uuid.UUID]map[string]map[string]map[string]any)}
}

func (m *Memory) Descriptor() Descriptor {
	return Descriptor{
		Name:         "memory",
		DisplayName:  "Local record store",
		Capabilities: []Capability{CapSync, CapQuery, CapWrite, CapAction},
	}
}

// SyncAll is a no-op for the local store; it reports current record counts.
func (m *Memory) SyncAll(_ context.Context, orgID uuid.UUID) (SyncCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(SyncCounts)
	for table, records := range m.orgs[orgID] {
		counts[table] = len(records)
	}
	return counts, nil
}

// Query returns records of the requested type matching all filters (exact match).
func (m *Memory) Query(_ context.Context, orgID uuid.UUID, req QueryRequest) (*QueryResult, error) {
	if req.RecordType == "" {
		return nil, fmt.Errorf("record_type is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []map[string]any
	for _, rec := range m.orgs[orgID][req.RecordType] {
		if matchesFilters(rec, req.Filters) {
			out = append(out, cloneRecord(rec))
		}
	}
	total := len(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return &QueryResult{Records: out, Total: total}, nil
}

// Write applies a batch mutation. Per-record failures are isolated: one bad
// record does not abort the rest of the batch.
func (m *Memory) Write(_ context.Context, orgID uuid.UUID, req WriteRequest) (*WriteResult, error) {
	if req.RecordType == "" {
		return nil, fmt.Errorf("record_type is required")
	}
	res := &WriteResult{}
	for _, rec := range req.Records {
		var err error
		var applied map[string]any
		switch req.Operation {
		case "create":
			applied, err = m.createRecord(orgID, req.RecordType, rec)
		case "update":
			applied, err = m.updateRecord(orgID, req.RecordType, rec)
		case "delete":
			err = m.deleteByRecord(orgID, req.RecordType, rec)
		default:
			return nil, fmt.Errorf("unsupported operation %q", req.Operation)
		}
		if err != nil {
			res.FailureCount++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.SuccessCount++
		if applied != nil {
			res.Records = append(res.Records, applied)
		}
	}
	return res, nil
}

// ExecuteAction supports a single maintenance action, "truncate", used by tests
// and the admin surface to clear a record type.
func (m *Memory) ExecuteAction(_ context.Context, orgID uuid.UUID, action string, params map[string]any) (map[string]any, error) {
	switch action {
	case "truncate":
		table, _ := params["record_type"].(string)
		if table == "" {
			return nil, fmt.Errorf("record_type is required")
		}
		m.mu.Lock()
		n := len(m.orgs[orgID][table])
		delete(m.orgs[orgID], table)
		m.mu.Unlock()
		return map[string]any{"deleted": n}, nil
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
}

// --- Record-level access (session rollback, CRM tools) ---

// GetRecord returns a copy of one record, or ErrRecordNotFound.
func (m *Memory) GetRecord(_ context.Context, orgID uuid.UUID, table, recordID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.orgs[orgID][table][recordID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
	}
	return cloneRecord(rec), nil
}

// InsertRecord stores a record under an explicit ID, overwriting nothing.
func (m *Memory) InsertRecord(_ context.Context, orgID uuid.UUID, table, recordID string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.table(orgID, table)[recordID]; exists {
		return fmt.Errorf("record %s/%s already exists", table, recordID)
	}
	rec := cloneRecord(data)
	rec["id"] = recordID
	m.table(orgID, table)[recordID] = rec
	return nil
}

// UpdateRecord replaces a record's data wholesale.
func (m *Memory) UpdateRecord(_ context.Context, orgID uuid.UUID, table, recordID string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.table(orgID, table)[recordID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
	}
	rec := cloneRecord(data)
	rec["id"] = recordID
	m.table(orgID, table)[recordID] = rec
	return nil
}

// DeleteRecord removes a record.
func (m *Memory) DeleteRecord(_ context.Context, orgID uuid.UUID, table, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.table(orgID, table)[recordID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
	}
	delete(m.table(orgID, table), recordID)
	return nil
}

func (m *Memory) createRecord(orgID uuid.UUID, table string, rec map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	t := m.table(orgID, table)
	if _, exists := t[id]; exists {
		return nil, fmt.Errorf("record %s/%s already exists", table, id)
	}
	stored := cloneRecord(rec)
	stored["id"] = id
	t[id] = stored
	return cloneRecord(stored), nil
}

func (m *Memory) updateRecord(orgID uuid.UUID, table string, rec map[string]any) (map[string]any, error) {
	id, _ := rec["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("update requires an id field")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(orgID, table)
	existing, ok := t[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, id)
	}
	merged := cloneRecord(existing)
	for k, v := range rec {
		merged[k] = v
	}
	t[id] = merged
	return cloneRecord(merged), nil
}

func (m *Memory) deleteByRecord(orgID uuid.UUID, table string, rec map[string]any) error {
	id, _ := rec["id"].(string)
	if id == "" {
		return fmt.Errorf("delete requires an id field")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.table(orgID, table)[id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, id)
	}
	delete(m.table(orgID, table), id)
	return nil
}

// table returns the mutable record map for (org, table), creating it if needed.
// Callers must hold m.mu.
func (m *Memory) table(orgID uuid.UUID, table string) map[string]map[string]any {
	org, ok := m.orgs[orgID]
	if !ok {
		org = make(map[string]map[string]map[string]any)
		m.orgs[orgID] = org
	}
	t, ok := org[table]
	if !ok {
		t = make(map[string]map[string]any)
		org[table] = t
	}
	return t
}

func matchesFilters(rec map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		if fmt.Sprint(rec[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func cloneRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
