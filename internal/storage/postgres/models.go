package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner
// interfaces for GORM JSONB columns. SQLite stores the same column as text.
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *JSONB) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		cp := make([]byte, len(v))
		copy(cp, v)
		*j = JSONB(cp)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", value)
	}
}

// OrgModel maps to the "organizations" table.
type OrgModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null;uniqueIndex"`
	Slug      string    `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (OrgModel) TableName() string { return "organizations" }

// UserToolSettingModel maps to the "user_tool_settings" table.
type UserToolSettingModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_tool,priority:1"`
	UserID      string    `gorm:"not null;uniqueIndex:idx_user_tool,priority:2"`
	ToolName    string    `gorm:"not null;uniqueIndex:idx_user_tool,priority:3"`
	AutoApprove bool      `gorm:"not null;default:false"`
	Allowed     bool      `gorm:"not null;default:false"`
	UpdatedAt   time.Time
}

func (UserToolSettingModel) TableName() string { return "user_tool_settings" }

// OperationModel maps to the "pending_operations" table. The payload is
// stored as (kind, blob) so both payload shapes share one row schema.
type OperationModel struct {
	ID             string    `gorm:"primaryKey"`
	OrgID          uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID         string
	ConversationID uuid.UUID `gorm:"type:uuid"`
	PayloadKind    string    `gorm:"not null"`
	Payload        JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Status         int16     `gorm:"not null;default:0;index"`
	ApprovedBy     string
	Result         JSONB `gorm:"type:jsonb"`
	ErrorMessage   string
	SuccessCount   int
	FailureCount   int
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
	ResolvedAt     *time.Time
}

func (OperationModel) TableName() string { return "pending_operations" }

// ChangeSessionModel maps to the "change_sessions" table.
type ChangeSessionModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID          uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID         string
	ConversationID uuid.UUID `gorm:"type:uuid;index"`
	Status         int16     `gorm:"not null;default:0"`
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

func (ChangeSessionModel) TableName() string { return "change_sessions" }

// RecordSnapshotModel maps to the "record_snapshots" table. Seq is monotonic
// within a session; rollback replays in descending Seq order.
type RecordSnapshotModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;index"`
	OrgID      uuid.UUID `gorm:"type:uuid;not null"`
	TableName_ string    `gorm:"column:table_name;not null"`
	RecordID   string    `gorm:"not null"`
	Operation  string    `gorm:"not null"`
	BeforeData JSONB     `gorm:"type:jsonb"`
	AfterData  JSONB     `gorm:"type:jsonb"`
	Seq        int       `gorm:"not null"`
	CreatedAt  time.Time
}

func (RecordSnapshotModel) TableName() string { return "record_snapshots" }

// WorkflowModel maps to the "workflows" table.
type WorkflowModel struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID                  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_workflow_name,priority:1"`
	Name                   string    `gorm:"not null;uniqueIndex:idx_workflow_name,priority:2"`
	Description            string
	TriggerType            string `gorm:"not null;index"`
	TriggerConfig          JSONB  `gorm:"type:jsonb"`
	Prompt                 string `gorm:"type:text;not null"`
	AutoApproveTools       JSONB  `gorm:"type:jsonb"`
	AutoApprovePermissions JSONB  `gorm:"type:jsonb"`
	InputSchema            JSONB  `gorm:"type:jsonb"`
	OutputSchema           JSONB  `gorm:"type:jsonb"`
	ChildWorkflows         JSONB  `gorm:"type:jsonb"`
	Enabled                bool   `gorm:"not null;default:true;index"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (WorkflowModel) TableName() string { return "workflows" }

// RunModel maps to the "workflow_runs" table.
type RunModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	WorkflowID     uuid.UUID `gorm:"type:uuid;not null;index"`
	OrgID          uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID         string
	Status         string `gorm:"not null;index"`
	TriggeredBy    string `gorm:"not null"`
	TriggerData    JSONB  `gorm:"type:jsonb"`
	StepsCompleted int
	Output         JSONB `gorm:"type:jsonb"`
	Error          string
	CreatedAt      time.Time `gorm:"index"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (RunModel) TableName() string { return "workflow_runs" }

// RunNoteModel maps to the "workflow_run_notes" table. Seq preserves append
// order within a run; note indexes in the API are positions in Seq order.
type RunNoteModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID           uuid.UUID `gorm:"type:uuid;not null;index"`
	OrgID           uuid.UUID `gorm:"type:uuid;not null"`
	Seq             int       `gorm:"not null"`
	Content         string    `gorm:"type:text;not null"`
	CreatedByUserID string
	CreatedAt       time.Time
}

func (RunNoteModel) TableName() string { return "workflow_run_notes" }

// SyncedRecordModel maps to the "synced_records" table: the local copy of
// CRM data that local-write tools mutate and change sessions roll back.
type SyncedRecordModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_synced_record,priority:1"`
	TableName_ string    `gorm:"column:table_name;not null;uniqueIndex:idx_synced_record,priority:2"`
	RecordID   string    `gorm:"not null;uniqueIndex:idx_synced_record,priority:3"`
	Data       JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (SyncedRecordModel) TableName() string { return "synced_records" }

// SyncStatusModel maps to the "sync_statuses" table.
type SyncStatusModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Connector   string    `gorm:"not null"`
	Status      string    `gorm:"not null"`
	Counts      JSONB     `gorm:"type:jsonb"`
	Error       string
	StartedAt   time.Time `gorm:"index"`
	CompletedAt *time.Time
}

func (SyncStatusModel) TableName() string { return "sync_statuses" }
