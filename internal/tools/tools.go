// Package tools defines the tool interface and registry for Mauzo.
// Each tool declares a risk category and a default approval requirement so the
// dispatcher can enforce approval gating before any side effect happens.
package tools

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RiskCategory classifies a tool by the reversibility and reach of its effects.
type RiskCategory int

const (
	RiskLocalRead     RiskCategory = iota // Reads synced data only, no side effects.
	RiskLocalWrite                        // Mutates synced records (undoable via snapshots).
	RiskExternalRead                      // Reads from an external provider.
	RiskExternalWrite                     // Writes to an external provider (not undoable).
)

func (r RiskCategory) String() string {
	switch r {
	case RiskLocalRead:
		return "local_read"
	case RiskLocalWrite:
		return "local_write"
	case RiskExternalRead:
		return "external_read"
	case RiskExternalWrite:
		return "external_write"
	default:
		return "unknown"
	}
}

// ParseRiskCategory converts a string to a RiskCategory.
// Unrecognized values default to RiskExternalWrite (default-deny principle).
func ParseRiskCategory(s string) RiskCategory {
	switch s {
	case "local_read":
		return RiskLocalRead
	case "local_write":
		return RiskLocalWrite
	case "external_read":
		return RiskExternalRead
	case "external_write":
		return RiskExternalWrite
	default:
		return RiskExternalWrite
	}
}

// HasSideEffects reports whether tools in this category mutate anything.
func (r RiskCategory) HasSideEffects() bool {
	return r == RiskLocalWrite || r == RiskExternalWrite
}

// Definition is the static catalog entry for a tool. Immutable after
// registration at process start.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any // JSON Schema sent to the LLM as input_schema.
	Risk        RiskCategory
	// DefaultRequiresApproval is the fallback approval requirement when no
	// workflow grant or per-user setting overrides it.
	DefaultRequiresApproval bool
}

// Tool is the interface all Mauzo tools implement.
type Tool interface {
	// Definition returns the tool's static catalog entry.
	Definition() Definition

	// Validate checks that params are well-formed before any policy checks run,
	// so malformed requests fail fast without creating pending operations.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters. The execution scope
	// (org, user, workflow run) is carried in ctx; see ContextWithScope.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution, fed back into the agent loop.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Scope is the execution scope threaded through context to tool Execute
// methods. OrgID is always set; UserID is empty for runs with no human user
// (scheduled workflows, inbound channel flows). WorkflowID/RunID are zero
// outside workflow runs.
type Scope struct {
	OrgID          uuid.UUID
	UserID         string
	ConversationID uuid.UUID
	WorkflowID     uuid.UUID
	RunID          uuid.UUID
}

// InWorkflow reports whether the scope belongs to a workflow run.
func (s Scope) InWorkflow() bool {
	return s.RunID != uuid.Nil
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const scopeKey contextKey = iota

// ContextWithScope returns a new context carrying the execution scope.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// ScopeFromContext extracts the execution scope, or a zero scope if unset.
func ScopeFromContext(ctx context.Context) Scope {
	if v, ok := ctx.Value(scopeKey).(Scope); ok {
		return v
	}
	return Scope{}
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Definition().Name
	if _, exists := r.tools[name]; exists {
		panic("duplicate tool registration: " + name)
	}
	r.tools[name] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definition returns the static definition for a tool name.
func (r *Registry) Definition(name string) (Definition, bool) {
	t := r.Get(name)
	if t == nil {
		return Definition{}, false
	}
	return t.Definition(), true
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// WorkflowOnly is implemented by tools that are hidden outside workflow runs
// (e.g. workflow note tools, which make no sense in normal chat).
type WorkflowOnly interface {
	WorkflowOnly() bool
}

// Visible returns the tools exposed to the LLM for the given context.
func (r *Registry) Visible(inWorkflow bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if wo, ok := t.(WorkflowOnly); ok && wo.WorkflowOnly() && !inWorkflow {
			continue
		}
		result = append(result, t)
	}
	return result
}
