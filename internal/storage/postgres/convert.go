package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/domain"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/workflow"
)

// --- Organization ---

func toOrgDomain(m *OrgModel) *domain.Organization {
	return &domain.Organization{
		ID:        m.ID,
		Name:      m.Name,
		Slug:      m.Slug,
		CreatedAt: m.CreatedAt,
	}
}

// --- User tool settings ---

func toSettingDomain(m *UserToolSettingModel) *domain.UserToolSetting {
	return &domain.UserToolSetting{
		ID:          m.ID,
		OrgID:       m.OrgID,
		UserID:      m.UserID,
		ToolName:    m.ToolName,
		AutoApprove: m.AutoApprove,
		Allowed:     m.Allowed,
		UpdatedAt:   m.UpdatedAt,
	}
}

// --- Pending operations ---

func toOperationModel(op *approval.PendingOperation) (*OperationModel, error) {
	kind, payload, err := approval.EncodePayload(op.Payload)
	if err != nil {
		return nil, err
	}
	var result JSONB
	if op.Result != nil {
		data, err := json.Marshal(op.Result)
		if err != nil {
			return nil, fmt.Errorf("encoding operation result: %w", err)
		}
		result = JSONB(data)
	}
	return &OperationModel{
		ID:             op.ID,
		OrgID:          op.OrgID,
		UserID:         op.UserID,
		ConversationID: op.ConversationID,
		PayloadKind:    kind,
		Payload:        JSONB(payload),
		Status:         int16(op.Status),
		ApprovedBy:     op.ApprovedBy,
		Result:         result,
		ErrorMessage:   op.ErrorMessage,
		SuccessCount:   op.SuccessCount,
		FailureCount:   op.FailureCount,
		CreatedAt:      op.CreatedAt,
		ExpiresAt:      op.ExpiresAt,
		ResolvedAt:     op.ResolvedAt,
	}, nil
}

func toOperationDomain(m *OperationModel) (*approval.PendingOperation, error) {
	payload, err := approval.DecodePayload(m.PayloadKind, []byte(m.Payload))
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", m.ID, err)
	}
	var result map[string]any
	if len(m.Result) > 0 {
		if err := json.Unmarshal([]byte(m.Result), &result); err != nil {
			return nil, fmt.Errorf("operation %s: decoding result: %w", m.ID, err)
		}
	}
	return &approval.PendingOperation{
		ID:             m.ID,
		OrgID:          m.OrgID,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		Payload:        payload,
		Status:         approval.Status(m.Status),
		ApprovedBy:     m.ApprovedBy,
		Result:         result,
		ErrorMessage:   m.ErrorMessage,
		SuccessCount:   m.SuccessCount,
		FailureCount:   m.FailureCount,
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		ResolvedAt:     m.ResolvedAt,
	}, nil
}

// --- Change sessions ---

func toSessionModel(cs *session.ChangeSession) *ChangeSessionModel {
	return &ChangeSessionModel{
		ID:             cs.ID,
		OrgID:          cs.OrgID,
		UserID:         cs.UserID,
		ConversationID: cs.ConversationID,
		Status:         int16(cs.Status),
		CreatedAt:      cs.CreatedAt,
		ResolvedAt:     cs.ResolvedAt,
	}
}

func toSessionDomain(m *ChangeSessionModel) *session.ChangeSession {
	return &session.ChangeSession{
		ID:             m.ID,
		OrgID:          m.OrgID,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		Status:         session.Status(m.Status),
		CreatedAt:      m.CreatedAt,
		ResolvedAt:     m.ResolvedAt,
	}
}

func toSnapshotModel(snap *session.RecordSnapshot) (*RecordSnapshotModel, error) {
	before, err := marshalMap(snap.BeforeData)
	if err != nil {
		return nil, fmt.Errorf("encoding before data: %w", err)
	}
	after, err := marshalMap(snap.AfterData)
	if err != nil {
		return nil, fmt.Errorf("encoding after data: %w", err)
	}
	return &RecordSnapshotModel{
		ID:         snap.ID,
		SessionID:  snap.SessionID,
		OrgID:      snap.OrgID,
		TableName_: snap.TableName,
		RecordID:   snap.RecordID,
		Operation:  string(snap.Operation),
		BeforeData: before,
		AfterData:  after,
		Seq:        snap.Seq,
		CreatedAt:  snap.CreatedAt,
	}, nil
}

func toSnapshotDomain(m *RecordSnapshotModel) (*session.RecordSnapshot, error) {
	before, err := unmarshalMap(m.BeforeData)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: decoding before data: %w", m.ID, err)
	}
	after, err := unmarshalMap(m.AfterData)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: decoding after data: %w", m.ID, err)
	}
	return &session.RecordSnapshot{
		ID:         m.ID,
		SessionID:  m.SessionID,
		OrgID:      m.OrgID,
		TableName:  m.TableName_,
		RecordID:   m.RecordID,
		Operation:  session.Operation(m.Operation),
		BeforeData: before,
		AfterData:  after,
		Seq:        m.Seq,
		CreatedAt:  m.CreatedAt,
	}, nil
}

// --- Workflows ---

func toWorkflowModel(wf *workflow.Workflow) (*WorkflowModel, error) {
	triggerConfig, err := marshalMap(wf.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("encoding trigger config: %w", err)
	}
	inputSchema, err := marshalMap(wf.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema: %w", err)
	}
	outputSchema, err := marshalMap(wf.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("encoding output schema: %w", err)
	}
	autoTools, _ := json.Marshal(wf.AutoApproveTools)
	autoPerms, _ := json.Marshal(wf.AutoApprovePermissions)
	children, _ := json.Marshal(wf.ChildWorkflows)
	return &WorkflowModel{
		ID:                     wf.ID,
		OrgID:                  wf.OrgID,
		Name:                   wf.Name,
		Description:            wf.Description,
		TriggerType:            string(wf.TriggerType),
		TriggerConfig:          triggerConfig,
		Prompt:                 wf.Prompt,
		AutoApproveTools:       JSONB(autoTools),
		AutoApprovePermissions: JSONB(autoPerms),
		InputSchema:            inputSchema,
		OutputSchema:           outputSchema,
		ChildWorkflows:         JSONB(children),
		Enabled:                wf.Enabled,
		CreatedAt:              wf.CreatedAt,
		UpdatedAt:              wf.UpdatedAt,
	}, nil
}

func toWorkflowDomain(m *WorkflowModel) (*workflow.Workflow, error) {
	triggerConfig, err := unmarshalMap(m.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: decoding trigger config: %w", m.ID, err)
	}
	inputSchema, err := unmarshalMap(m.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: decoding input schema: %w", m.ID, err)
	}
	outputSchema, err := unmarshalMap(m.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: decoding output schema: %w", m.ID, err)
	}
	var autoTools, autoPerms []string
	if len(m.AutoApproveTools) > 0 {
		_ = json.Unmarshal([]byte(m.AutoApproveTools), &autoTools)
	}
	if len(m.AutoApprovePermissions) > 0 {
		_ = json.Unmarshal([]byte(m.AutoApprovePermissions), &autoPerms)
	}
	var children []uuid.UUID
	if len(m.ChildWorkflows) > 0 {
		_ = json.Unmarshal([]byte(m.ChildWorkflows), &children)
	}
	return &workflow.Workflow{
		ID:                     m.ID,
		OrgID:                  m.OrgID,
		Name:                   m.Name,
		Description:            m.Description,
		TriggerType:            workflow.TriggerType(m.TriggerType),
		TriggerConfig:          triggerConfig,
		Prompt:                 m.Prompt,
		AutoApproveTools:       autoTools,
		AutoApprovePermissions: autoPerms,
		InputSchema:            inputSchema,
		OutputSchema:           outputSchema,
		ChildWorkflows:         children,
		Enabled:                m.Enabled,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}, nil
}

func toRunModel(run *workflow.Run) (*RunModel, error) {
	triggerData, err := marshalMap(run.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("encoding trigger data: %w", err)
	}
	output, err := marshalMap(run.Output)
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	return &RunModel{
		ID:             run.ID,
		WorkflowID:     run.WorkflowID,
		OrgID:          run.OrgID,
		UserID:         run.UserID,
		Status:         string(run.Status),
		TriggeredBy:    run.TriggeredBy,
		TriggerData:    triggerData,
		StepsCompleted: run.StepsCompleted,
		Output:         output,
		Error:          run.Error,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}, nil
}

func toRunDomain(m *RunModel) (*workflow.Run, error) {
	triggerData, err := unmarshalMap(m.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("run %s: decoding trigger data: %w", m.ID, err)
	}
	output, err := unmarshalMap(m.Output)
	if err != nil {
		return nil, fmt.Errorf("run %s: decoding output: %w", m.ID, err)
	}
	return &workflow.Run{
		ID:             m.ID,
		WorkflowID:     m.WorkflowID,
		OrgID:          m.OrgID,
		UserID:         m.UserID,
		Status:         workflow.RunStatus(m.Status),
		TriggeredBy:    m.TriggeredBy,
		TriggerData:    triggerData,
		StepsCompleted: m.StepsCompleted,
		Output:         output,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}, nil
}

func toNoteDomain(m *RunNoteModel) workflow.Note {
	return workflow.Note{
		Content:         m.Content,
		CreatedAt:       m.CreatedAt,
		CreatedByUserID: m.CreatedByUserID,
	}
}

// --- Sync status ---

func toSyncStatusModel(st *connector.SyncStatus) (*SyncStatusModel, error) {
	var counts JSONB
	if st.Counts != nil {
		data, err := json.Marshal(st.Counts)
		if err != nil {
			return nil, fmt.Errorf("encoding sync counts: %w", err)
		}
		counts = JSONB(data)
	}
	return &SyncStatusModel{
		ID:          st.ID,
		OrgID:       st.OrgID,
		Connector:   st.Connector,
		Status:      st.Status,
		Counts:      counts,
		Error:       st.Error,
		StartedAt:   st.StartedAt,
		CompletedAt: st.CompletedAt,
	}, nil
}

func toSyncStatusDomain(m *SyncStatusModel) (*connector.SyncStatus, error) {
	var counts connector.SyncCounts
	if len(m.Counts) > 0 {
		if err := json.Unmarshal([]byte(m.Counts), &counts); err != nil {
			return nil, fmt.Errorf("sync status %s: decoding counts: %w", m.ID, err)
		}
	}
	return &connector.SyncStatus{
		ID:          m.ID,
		OrgID:       m.OrgID,
		Connector:   m.Connector,
		Status:      m.Status,
		Counts:      counts,
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}, nil
}

// marshalMap encodes a map to JSONB, nil maps to a nil column.
func marshalMap(m map[string]any) (JSONB, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return JSONB(data), nil
}

// unmarshalMap decodes a JSONB column, empty columns to a nil map.
func unmarshalMap(j JSONB) (map[string]any, error) {
	if len(j) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(j), &m); err != nil {
		return nil, err
	}
	return m, nil
}
