// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type Organization struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	CreatedAt time.Time
}

// User represents an identity within an organization.
// ExternalID is the opaque string ID used by gateways (e.g. "cli-user", a
// Slack user ID, or an SSO subject).
type User struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	ExternalID string
	Email      string
	CreatedAt  time.Time
}

// UserToolSetting is a per-user approval override for a single tool.
// AutoApprove lets a normally-gated tool execute without pausing; it only
// applies to tools whose default requires approval. Allowed marks the user as
// permitted to auto-approve restricted tools inside workflow runs.
type UserToolSetting struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	UserID      string // External user ID.
	ToolName    string
	AutoApprove bool
	Allowed     bool // Explicit allow row for restricted tools in workflows.
	UpdatedAt   time.Time
}

// Conversation represents a persistent conversational session between a user
// and the agent. Scoped by (OrgID, UserID) for multi-tenant isolation.
type Conversation struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
