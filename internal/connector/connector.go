// Package connector defines the capability contract between the tool layer and
// provider connectors (CRM, messaging, issue trackers).
//
// Connectors declare their capabilities statically in a Descriptor and the
// registry verifies at registration time that each declared capability is
// actually implemented. Dispatch matches on declared capability — never on
// runtime probing — so an undeclared method is unreachable even if present.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnector      = errors.New("unknown connector")
	ErrCapabilityNotDeclared = errors.New("capability not declared by connector")
)

// Capability identifies one of the four closed connector capabilities.
type Capability string

const (
	CapSync   Capability = "sync"
	CapQuery  Capability = "query"
	CapWrite  Capability = "write"
	CapAction Capability = "action"
)

// Descriptor is the static metadata a connector registers with.
type Descriptor struct {
	Name         string // Unique key, e.g. "hubspot", "slack", "memory".
	DisplayName  string
	Capabilities []Capability
}

// Has reports whether the descriptor declares the given capability.
func (d Descriptor) Has(c Capability) bool {
	for _, cc := range d.Capabilities {
		if cc == c {
			return true
		}
	}
	return false
}

// Connector is the minimal interface every provider connector implements.
// Capability interfaces (Syncer, Querier, Writer, ActionExecutor) are
// implemented per declared capability.
type Connector interface {
	Descriptor() Descriptor
}

// SyncCounts summarizes a full sync per record type.
type SyncCounts map[string]int

// Syncer pulls all data from the provider into the local store.
type Syncer interface {
	SyncAll(ctx context.Context, orgID uuid.UUID) (SyncCounts, error)
}

// QueryRequest is a provider-agnostic read request.
type QueryRequest struct {
	RecordType string         `json:"record_type"`
	Filters    map[string]any `json:"filters,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// QueryResult holds the records returned by a Querier.
type QueryResult struct {
	Records []map[string]any `json:"records"`
	Total   int              `json:"total"`
}

// Querier serves read requests against provider data.
type Querier interface {
	Query(ctx context.Context, orgID uuid.UUID, req QueryRequest) (*QueryResult, error)
}

// WriteRequest is a provider-agnostic write, routed by the write_to_system tool.
type WriteRequest struct {
	RecordType string           `json:"record_type"`
	Operation  string           `json:"operation"` // "create", "update", "delete".
	Records    []map[string]any `json:"records"`
}

// WriteResult reports per-record outcomes of a write.
type WriteResult struct {
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	Records      []map[string]any `json:"records,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
}

// Writer applies mutations to the provider.
type Writer interface {
	Write(ctx context.Context, orgID uuid.UUID, req WriteRequest) (*WriteResult, error)
}

// ActionExecutor runs named provider actions that are not record writes
// (send a message, archive a channel, trigger an export).
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, orgID uuid.UUID, action string, params map[string]any) (map[string]any, error)
}

// SyncStatus is the durable record of one sync attempt. Stored per
// (org, connector) so any replica can answer "when did hubspot last sync".
type SyncStatus struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	Connector   string
	Status      string // "running", "completed", "failed".
	Counts      SyncCounts
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SyncStatusStore persists sync status rows.
type SyncStatusStore interface {
	Upsert(ctx context.Context, st *SyncStatus) error
	Latest(ctx context.Context, orgID uuid.UUID, connectorName string) (*SyncStatus, error)
	List(ctx context.Context, orgID uuid.UUID) ([]SyncStatus, error)
}

// Registry holds registered connectors keyed by name.
// Registration happens at startup; reads are concurrent-safe.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector after verifying every declared capability is
// implemented. Returns an error (not a panic) so misconfigured connectors can
// be reported at startup with context.
func (r *Registry) Register(c Connector) error {
	desc := c.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("connector with empty name")
	}
	for _, cap := range desc.Capabilities {
		var ok bool
		switch cap {
		case CapSync:
			_, ok = c.(Syncer)
		case CapQuery:
			_, ok = c.(Querier)
		case CapWrite:
			_, ok = c.(Writer)
		case CapAction:
			_, ok = c.(ActionExecutor)
		default:
			return fmt.Errorf("connector %s declares unknown capability %q", desc.Name, cap)
		}
		if !ok {
			return fmt.Errorf("connector %s declares capability %q but does not implement it", desc.Name, cap)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[desc.Name]; exists {
		return fmt.Errorf("duplicate connector registration: %s", desc.Name)
	}
	r.connectors[desc.Name] = c
	return nil
}

// Get returns the connector by name.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, name)
	}
	return c, nil
}

// Writer returns the Writer capability of the named connector.
// Fails if the connector exists but never declared CapWrite.
func (r *Registry) Writer(name string) (Writer, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !c.Descriptor().Has(CapWrite) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCapabilityNotDeclared, name, CapWrite)
	}
	return c.(Writer), nil
}

// Querier returns the Querier capability of the named connector.
func (r *Registry) Querier(name string) (Querier, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !c.Descriptor().Has(CapQuery) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCapabilityNotDeclared, name, CapQuery)
	}
	return c.(Querier), nil
}

// ActionExecutor returns the action capability of the named connector.
func (r *Registry) ActionExecutor(name string) (ActionExecutor, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !c.Descriptor().Has(CapAction) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCapabilityNotDeclared, name, CapAction)
	}
	return c.(ActionExecutor), nil
}

// Syncer returns the sync capability of the named connector.
func (r *Registry) Syncer(name string) (Syncer, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !c.Descriptor().Has(CapSync) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCapabilityNotDeclared, name, CapSync)
	}
	return c.(Syncer), nil
}

// Names returns all registered connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
