package crm

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/config"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/tools"
)

type crmFixture struct {
	registry *tools.Registry
	records  *connector.Memory
	sessions *session.Engine
	store    *session.MemoryStore
	orgID    uuid.UUID
	convID   uuid.UUID
}

func newCrmFixture(t *testing.T) *crmFixture {
	t.Helper()
	records := connector.NewMemory()
	store := session.NewMemoryStore()
	engine := session.NewEngine(store, records, slog.Default())

	registry := tools.NewRegistry()
	Register(registry, Deps{Records: records, Querier: records, Sessions: engine})

	return &crmFixture{
		registry: registry,
		records:  records,
		sessions: engine,
		store:    store,
		orgID:    uuid.New(),
		convID:   uuid.New(),
	}
}

// ctx returns a context carrying the org scope and an open change session.
func (f *crmFixture) ctx(t *testing.T) context.Context {
	t.Helper()
	ctx := tools.ContextWithScope(context.Background(), tools.Scope{
		OrgID: f.orgID, UserID: "u1", ConversationID: f.convID,
	})
	cs, err := f.sessions.Begin(ctx, f.orgID, "u1", f.convID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return session.ContextWithSession(ctx, cs)
}

func (f *crmFixture) exec(t *testing.T, ctx context.Context, name string, params map[string]any) *tools.Result {
	t.Helper()
	tool := f.registry.Get(name)
	if tool == nil {
		t.Fatalf("tool %s not registered", name)
	}
	if err := tool.Validate(params); err != nil {
		t.Fatalf("%s Validate: %v", name, err)
	}
	res, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("%s Execute: %v", name, err)
	}
	return res
}

func TestCreateUpdateDeleteRecordsSnapshots(t *testing.T) {
	f := newCrmFixture(t)
	ctx := f.ctx(t)

	res := f.exec(t, ctx, "create_record", map[string]any{
		"record_type": "contacts",
		"data":        map[string]any{"name": "Ada", "email": "ada@example.com"},
	})
	id, _ := res.Metadata["record_id"].(string)
	if id == "" {
		t.Fatalf("create metadata = %v", res.Metadata)
	}

	f.exec(t, ctx, "update_record", map[string]any{
		"record_type": "contacts",
		"record_id":   id,
		"data":        map[string]any{"email": "ada@new.example.com"},
	})
	f.exec(t, ctx, "delete_record", map[string]any{
		"record_type": "contacts",
		"record_id":   id,
	})

	cs, err := f.store.OpenForConversation(ctx, f.orgID, f.convID)
	if err != nil || cs == nil {
		t.Fatalf("OpenForConversation: %v, %v", cs, err)
	}
	snaps, err := f.store.Snapshots(ctx, cs.ID)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	wantOps := []session.Operation{session.OpCreate, session.OpUpdate, session.OpDelete}
	for i, snap := range snaps {
		if snap.Operation != wantOps[i] {
			t.Errorf("snapshot %d op = %s, want %s", i, snap.Operation, wantOps[i])
		}
	}
	if snaps[1].BeforeData["email"] != "ada@example.com" {
		t.Errorf("update before = %v", snaps[1].BeforeData)
	}
	if snaps[1].AfterData["email"] != "ada@new.example.com" {
		t.Errorf("update after = %v", snaps[1].AfterData)
	}
	if snaps[2].AfterData != nil {
		t.Errorf("delete after = %v, want nil", snaps[2].AfterData)
	}
}

func TestSearchAndGet(t *testing.T) {
	f := newCrmFixture(t)
	ctx := f.ctx(t)

	f.exec(t, ctx, "create_record", map[string]any{
		"record_type": "deals",
		"data":        map[string]any{"name": "ACME renewal", "stage": "open"},
	})
	res := f.exec(t, ctx, "create_record", map[string]any{
		"record_type": "deals",
		"data":        map[string]any{"name": "Initech upsell", "stage": "won"},
	})
	id, _ := res.Metadata["record_id"].(string)

	search := f.exec(t, ctx, "search_records", map[string]any{
		"record_type": "deals",
		"filters":     map[string]any{"stage": "won"},
	})
	var parsed struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal([]byte(search.Output), &parsed); err != nil {
		t.Fatalf("parsing search output: %v", err)
	}
	if parsed.Total != 1 {
		t.Errorf("filtered total = %d, want 1", parsed.Total)
	}

	get := f.exec(t, ctx, "get_record", map[string]any{
		"record_type": "deals",
		"record_id":   id,
	})
	var rec map[string]any
	if err := json.Unmarshal([]byte(get.Output), &rec); err != nil {
		t.Fatalf("parsing get output: %v", err)
	}
	if rec["name"] != "Initech upsell" {
		t.Errorf("record = %v", rec)
	}
}

func TestDiscardUndoesCrmWrites(t *testing.T) {
	f := newCrmFixture(t)
	ctx := f.ctx(t)

	res := f.exec(t, ctx, "create_record", map[string]any{
		"record_type": "contacts",
		"data":        map[string]any{"name": "Temp"},
	})
	id, _ := res.Metadata["record_id"].(string)

	cs, _ := f.store.OpenForConversation(ctx, f.orgID, f.convID)
	outcome, err := f.sessions.Discard(ctx, cs.ID)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if len(outcome.Failures) != 0 {
		t.Fatalf("rollback failures: %v", outcome.Failures)
	}

	if _, err := f.records.GetRecord(ctx, f.orgID, "contacts", id); err == nil {
		t.Error("created record survived discard")
	}
}

func TestValidateRejectsBadParams(t *testing.T) {
	f := newCrmFixture(t)

	cases := []struct {
		tool   string
		params map[string]any
	}{
		{"search_records", map[string]any{"record_type": "invoices"}},
		{"get_record", map[string]any{"record_type": "contacts"}},
		{"create_record", map[string]any{"record_type": "contacts", "data": map[string]any{}}},
		{"update_record", map[string]any{"record_type": "contacts", "record_id": "x"}},
		{"delete_record", map[string]any{"record_type": "contacts"}},
	}
	for _, tc := range cases {
		if err := f.registry.Get(tc.tool).Validate(tc.params); err == nil {
			t.Errorf("%s accepted %v", tc.tool, tc.params)
		}
	}
}

func TestRevenueQueryValidation(t *testing.T) {
	tool := NewRevenueQueryTool(configFor(t), slog.Default())

	valid := []string{
		"SELECT amount FROM deals WHERE stage = 'won'",
		"  with t as (select 1) select * from t",
		"-- comment\nSELECT 1",
		"EXPLAIN SELECT 1",
	}
	for _, q := range valid {
		if err := tool.Validate(map[string]any{"query": q}); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", q, err)
		}
	}

	invalid := []string{
		"",
		"DELETE FROM deals",
		"UPDATE deals SET stage = 'won'",
		"SELECT 1; DROP TABLE deals",
		"VACUUM",
		"begin",
	}
	for _, q := range invalid {
		if err := tool.Validate(map[string]any{"query": q}); err == nil {
			t.Errorf("Validate(%q) accepted a non-read-only query", q)
		}
	}
}

func configFor(t *testing.T) config.AnalyticsConfig {
	t.Helper()
	return config.AnalyticsConfig{DSN: "postgres://localhost/reporting"}
}

func TestRecordTypeEnumIsStable(t *testing.T) {
	want := []string{"companies", "contacts", "deals", "tasks", "tickets"}
	for i := 0; i < 5; i++ {
		got := recordTypeList()
		if len(got) != len(want) {
			t.Fatalf("recordTypeList() = %v, want %v", got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("recordTypeList() = %v, want %v", got, want)
			}
		}
	}
}
