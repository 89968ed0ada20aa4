// Package approval implements the pending-operation state machine for tool
// executions that require human sign-off before proceeding.
//
// State machine:
//
//	(created) --requires approval--> pending
//	pending --approve--> executing --> completed | failed
//	pending --deny-----> canceled
//	pending --expires_at passed--> expired
//
// Leaving pending is a single-winner compare-and-swap: concurrent approvals,
// denials, and expiry sweeps race for one conditional transition, so the
// underlying side effect runs at most once.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("operation not found")
	ErrExpired         = errors.New("operation expired")
	ErrAlreadyResolved = errors.New("operation already resolved")
)

// DefaultTTL is how long an operation waits for approval before expiring.
const DefaultTTL = 30 * time.Minute

// Status represents the state of a pending operation.
type Status int

// Approval transitions pending directly to executing; there is no resting
// "approved" state, which is what makes the winner's execution race-safe.
const (
	StatusPending Status = iota
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusCanceled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Resolved reports whether the status is terminal or in-flight past approval.
func (s Status) Resolved() bool { return s != StatusPending }

// PayloadKind tags the two operation payload shapes.
type PayloadKind string

const (
	KindGeneric  PayloadKind = "generic"
	KindCrmWrite PayloadKind = "crm_write"
)

// Payload is the sealed union of operation payloads. In-memory code always
// works with one concrete variant; the single-row dual schema exists only at
// the persistence boundary (EncodePayload/DecodePayload).
type Payload interface {
	Kind() PayloadKind
	// ToolName is the tool the payload will execute as.
	ToolName() string
}

// GenericOperation is the tool-generic payload shape.
type GenericOperation struct {
	Tool   string         `json:"tool_name"`
	Params map[string]any `json:"tool_params"`
}

func (GenericOperation) Kind() PayloadKind { return KindGeneric }
func (g GenericOperation) ToolName() string { return g.Tool }

// CrmWriteOperation is the legacy CRM-shaped payload: a validated batch write
// routed to one target system.
type CrmWriteOperation struct {
	TargetSystem      string           `json:"target_system"`
	RecordType        string           `json:"record_type"`
	Operation         string           `json:"operation"` // "create", "update", "delete".
	InputRecords      []map[string]any `json:"input_records"`
	ValidatedRecords  []map[string]any `json:"validated_records"`
	DuplicateWarnings []string         `json:"duplicate_warnings,omitempty"`
}

func (CrmWriteOperation) Kind() PayloadKind { return KindCrmWrite }
func (CrmWriteOperation) ToolName() string  { return "write_to_system" }

// EncodePayload serializes a payload for storage in one row.
func EncodePayload(p Payload) (kind string, data []byte, err error) {
	data, err = json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}
	return string(p.Kind()), data, nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(kind string, data []byte) (Payload, error) {
	switch PayloadKind(kind) {
	case KindGeneric:
		var g GenericOperation
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("decoding generic payload: %w", err)
		}
		return g, nil
	case KindCrmWrite:
		var c CrmWriteOperation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decoding crm_write payload: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
}

// PendingOperation is a deferred tool execution awaiting approval.
type PendingOperation struct {
	ID             string
	OrgID          uuid.UUID
	UserID         string    // Empty when no human user triggered the call.
	ConversationID uuid.UUID // uuid.Nil outside conversations.
	Payload        Payload
	Status         Status
	ApprovedBy     string

	// Execution outcome, write-once during executing -> completed|failed.
	Result       map[string]any
	ErrorMessage string
	SuccessCount int
	FailureCount int

	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// CanExecute reports whether the operation may still be approved and run:
// status == pending and now is before expiry.
func (op *PendingOperation) CanExecute(now time.Time) bool {
	return op.Status == StatusPending && now.Before(op.ExpiresAt)
}

// Preview is the read-only projection shown to the user before approval.
// It never mutates state.
type Preview struct {
	OperationID       string           `json:"operation_id"`
	ToolName          string           `json:"tool_name"`
	Status            string           `json:"status"`
	Params            map[string]any   `json:"params,omitempty"`
	TargetSystem      string           `json:"target_system,omitempty"`
	RecordType        string           `json:"record_type,omitempty"`
	Operation         string           `json:"operation,omitempty"`
	Records           []map[string]any `json:"records,omitempty"`
	DuplicateWarnings []string         `json:"duplicate_warnings,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
}

// ToPreview builds the approval preview for the operation's payload shape.
func (op *PendingOperation) ToPreview() *Preview {
	p := &Preview{
		OperationID: op.ID,
		ToolName:    op.Payload.ToolName(),
		Status:      op.Status.String(),
		CreatedAt:   op.CreatedAt,
		ExpiresAt:   op.ExpiresAt,
	}
	switch v := op.Payload.(type) {
	case GenericOperation:
		p.Params = v.Params
	case CrmWriteOperation:
		p.TargetSystem = v.TargetSystem
		p.RecordType = v.RecordType
		p.Operation = v.Operation
		p.Records = v.ValidatedRecords
		p.DuplicateWarnings = v.DuplicateWarnings
	}
	return p
}

// ExecutionResult is the outcome of running an approved operation.
type ExecutionResult struct {
	Success      bool           `json:"success"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	SuccessCount int            `json:"success_count,omitempty"`
	FailureCount int            `json:"failure_count,omitempty"`
}

// OperationResult is the read-only projection of a resolved operation.
type OperationResult struct {
	OperationID  string         `json:"operation_id"`
	ToolName     string         `json:"tool_name"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	SuccessCount int            `json:"success_count,omitempty"`
	FailureCount int            `json:"failure_count,omitempty"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// ToResult builds the resolved-operation projection. Never mutates state.
func (op *PendingOperation) ToResult() *OperationResult {
	return &OperationResult{
		OperationID:  op.ID,
		ToolName:     op.Payload.ToolName(),
		Status:       op.Status.String(),
		Result:       op.Result,
		ErrorMessage: op.ErrorMessage,
		SuccessCount: op.SuccessCount,
		FailureCount: op.FailureCount,
		ResolvedAt:   op.ResolvedAt,
	}
}
