package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir == "" {
		t.Error("data dir not defaulted")
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Storage.StorageDriver())
	}
	if cfg.Approval.TTL() != 30*time.Minute {
		t.Errorf("approval TTL = %s", cfg.Approval.TTL())
	}
	if cfg.Fanout.WorkerCount() != 4 || cfg.Fanout.ItemCap() != 100 {
		t.Errorf("fanout defaults = %d workers, %d items", cfg.Fanout.WorkerCount(), cfg.Fanout.ItemCap())
	}
	if cfg.Workflows.PollInterval() != 30*time.Second {
		t.Errorf("poll interval = %s", cfg.Workflows.PollInterval())
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/mauzo
storage:
  driver: postgres
  postgres:
    dsn: postgres://mauzo:secret@db:5432/mauzo
    default_org_name: acme
http:
  enabled: true
  listen_addr: ":9090"
  requests_per_minute: 120
  api_key_user_mapping:
    key-1: alice
approval:
  ttl_minutes: 5
  retain_hours: 48
workflows:
  max_child_workflows: 3
  scheduler_enabled: true
  poll_interval_s: 10
events:
  enabled: true
  path: /v1/stream
  token: hunter2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.StorageDriver() != "postgres" {
		t.Errorf("driver = %q", cfg.Storage.StorageDriver())
	}
	if cfg.PostgresDSN() != "postgres://mauzo:secret@db:5432/mauzo" {
		t.Errorf("dsn = %q", cfg.PostgresDSN())
	}
	if cfg.HTTP.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q", cfg.HTTP.ListenAddr)
	}
	if cfg.Approval.TTL() != 5*time.Minute || cfg.Approval.Retain() != 48*time.Hour {
		t.Errorf("approval = %s / %s", cfg.Approval.TTL(), cfg.Approval.Retain())
	}
	if cfg.Workflows.MaxChildWorkflows != 3 || cfg.Workflows.PollInterval() != 10*time.Second {
		t.Errorf("workflows = %+v", cfg.Workflows)
	}
	if cfg.Events.EventsPath() != "/v1/stream" || cfg.Events.SubscriberToken() != "hunter2" {
		t.Errorf("events = %+v", cfg.Events)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "storage: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted invalid YAML")
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: postgres\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted postgres driver without a DSN")
	}
}

func TestValidatePostgresDSNFromEnv(t *testing.T) {
	t.Setenv("MAUZO_DB_DSN", "postgres://env:env@db/mauzo")
	path := writeConfig(t, "storage:\n  driver: postgres\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresDSN() != "postgres://env:env@db/mauzo" {
		t.Errorf("dsn = %q", cfg.PostgresDSN())
	}
}

func TestValidateDefaultsHTTPListenAddr(t *testing.T) {
	path := writeConfig(t, "http:\n  enabled: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q, want :8080", cfg.HTTP.ListenAddr)
	}
}

func TestAPIKeysMergesEnv(t *testing.T) {
	t.Setenv("MAUZO_API_KEYS", "key-2:bob, key-3:carol")
	h := &HTTPConfig{APIKeyUserMapping: map[string]string{"key-1": "alice"}}

	keys := h.APIKeys()
	want := map[string]string{"key-1": "alice", "key-2": "bob", "key-3": "carol"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for k, user := range want {
		if keys[k] != user {
			t.Errorf("keys[%q] = %q, want %q", k, keys[k], user)
		}
	}
}

func TestSubscriberTokenEnvOverride(t *testing.T) {
	e := &EventsConfig{Token: "from-file"}
	if got := e.SubscriberToken(); got != "from-file" {
		t.Errorf("token = %q", got)
	}
	t.Setenv("MAUZO_EVENTS_TOKEN", "from-env")
	if got := e.SubscriberToken(); got != "from-env" {
		t.Errorf("token = %q, want env override", got)
	}
}

func TestSQLitePathDerivedFromDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/mauzo"}
	if got := cfg.SQLitePath(); got != filepath.Join("/var/lib/mauzo", "mauzo.db") {
		t.Errorf("sqlite path = %q", got)
	}

	cfg.Storage = &StorageConfig{SQLite: &SQLiteStorageConfig{Path: "/tmp/x.db"}}
	if got := cfg.SQLitePath(); got != "/tmp/x.db" {
		t.Errorf("sqlite path = %q", got)
	}
}
