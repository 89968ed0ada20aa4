// Package config handles loading and validating Mauzo configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists.
	_ = godotenv.Load()
}

// Config is the root configuration for Mauzo.
type Config struct {
	DataDir       string               `yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.mauzo/data. Override: MAUZO_DATA_DIR.
	Storage       *StorageConfig       `yaml:"storage,omitempty"`  // nil = SQLite default (derived from data dir).
	HTTP          *HTTPConfig          `yaml:"http,omitempty"`     // nil = HTTP API disabled.
	Approval      ApprovalConfig       `yaml:"approval"`
	Workflows     WorkflowsConfig      `yaml:"workflows"`
	Fanout        FanoutConfig         `yaml:"fanout"`
	Analytics     *AnalyticsConfig     `yaml:"analytics,omitempty"`     // nil = revenue query tool disabled.
	Observability *ObservabilityConfig `yaml:"observability,omitempty"` // nil = observability disabled.
	Events        *EventsConfig        `yaml:"events,omitempty"`        // nil = websocket event stream disabled.
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `yaml:"path,omitempty"`     // Database file path. Default: derived from data dir.
	JournalMode string `yaml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `yaml:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns"`      // Default: 25.
	MaxIdleConns     int    `yaml:"max_idle_conns"`      // Default: 5.
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min).
	DefaultOrgName   string `yaml:"default_org_name"`    // Default: "default".
}

// HTTPConfig configures the HTTP API gateway.
type HTTPConfig struct {
	Enabled           bool              `yaml:"enabled"`
	ListenAddr        string            `yaml:"listen_addr"` // e.g. ":8080".
	EnableDocs        bool              `yaml:"enable_docs"`
	RequestsPerMinute int               `yaml:"requests_per_minute"` // Per-user rate limit. 0 = unlimited.
	BurstSize         int               `yaml:"burst_size"`
	MaxRequestBytes   int64             `yaml:"max_request_bytes"`   // 0 = 1 MB default.
	APIKeyUserMapping map[string]string `yaml:"api_key_user_mapping"` // API key -> user ID. MAUZO_API_KEYS ("key:user,...") merges on top.
}

// APIKeys returns the API key to user ID mapping, merging the MAUZO_API_KEYS
// environment variable on top of the config file entries.
func (h *HTTPConfig) APIKeys() map[string]string {
	keys := make(map[string]string, len(h.APIKeyUserMapping))
	for k, v := range h.APIKeyUserMapping {
		keys[k] = v
	}
	if env := os.Getenv("MAUZO_API_KEYS"); env != "" {
		for _, entry := range strings.Split(env, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				keys[parts[0]] = parts[1]
			}
		}
	}
	return keys
}

// ApprovalConfig configures the pending-operation store.
type ApprovalConfig struct {
	TTLMinutes     int `yaml:"ttl_minutes"`      // Default: 30.
	SweepIntervalS int `yaml:"sweep_interval_s"` // Default: 60.
	RetainHours    int `yaml:"retain_hours"`     // How long resolved rows are kept. Default: 24.
}

// TTL returns the operation TTL.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.TTLMinutes) * time.Minute
}

// SweepInterval returns the background sweep interval.
func (a ApprovalConfig) SweepInterval() time.Duration {
	if a.SweepIntervalS <= 0 {
		return time.Minute
	}
	return time.Duration(a.SweepIntervalS) * time.Second
}

// Retain returns how long resolved operations are retained.
func (a ApprovalConfig) Retain() time.Duration {
	if a.RetainHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.RetainHours) * time.Hour
}

// WorkflowsConfig configures workflow execution.
type WorkflowsConfig struct {
	MaxChildWorkflows int  `yaml:"max_child_workflows"` // Per-run spawn cap. Default: 5.
	SchedulerEnabled  bool `yaml:"scheduler_enabled"`
	PollIntervalS     int  `yaml:"poll_interval_s"` // Scheduler poll interval. Default: 30.
}

// PollInterval returns the scheduler poll interval.
func (w WorkflowsConfig) PollInterval() time.Duration {
	if w.PollIntervalS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(w.PollIntervalS) * time.Second
}

// FanoutConfig configures the loop_over batch path.
type FanoutConfig struct {
	Workers           int `yaml:"workers"`             // Default: 4.
	RequestsPerMinute int `yaml:"requests_per_minute"` // Shared rate across workers. 0 = unlimited.
	BurstSize         int `yaml:"burst_size"`
	MaxItems          int `yaml:"max_items"` // Per-batch item cap. Default: 100.
}

// WorkerCount returns the fan-out worker count.
func (f FanoutConfig) WorkerCount() int {
	if f.Workers <= 0 {
		return 4
	}
	return f.Workers
}

// ItemCap returns the per-batch item cap.
func (f FanoutConfig) ItemCap() int {
	if f.MaxItems <= 0 {
		return 100
	}
	return f.MaxItems
}

// AnalyticsConfig configures the read-only revenue analytics tool.
// The DSN points at a reporting database, separate from Mauzo's own storage.
type AnalyticsConfig struct {
	DSN            string `yaml:"dsn"`
	MaxRows        int    `yaml:"max_rows"`        // Default: 1000.
	TimeoutSeconds int    `yaml:"timeout_seconds"` // Default: 30.
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: "/metrics".
}

// TracingConfig configures OTel tracing export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"` // Default: "mauzo".
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `yaml:"protocol"`     // "grpc" (default) or "http".
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"` // 0 = always sample.
}

// EventsConfig configures the websocket event stream.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`  // Mount path on the HTTP gateway. Default: "/v1/events".
	Token   string `yaml:"token"` // Subscriber token. MAUZO_EVENTS_TOKEN overrides. Empty = unauthenticated.
}

// EventsPath returns the websocket mount path.
func (e *EventsConfig) EventsPath() string {
	if e.Path != "" {
		return e.Path
	}
	return "/v1/events"
}

// SubscriberToken returns the events auth token, honoring MAUZO_EVENTS_TOKEN.
func (e *EventsConfig) SubscriberToken() string {
	if env := os.Getenv("MAUZO_EVENTS_TOKEN"); env != "" {
		return env
	}
	return e.Token
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mauzo.yaml"
	}
	return filepath.Join(home, ".mauzo", "config.yaml")
}

// Load reads and validates a config file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = envOr("MAUZO_DATA_DIR", defaultDataDir())
	}
}

func (c *Config) validate() error {
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			if os.Getenv("MAUZO_DB_DSN") == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set MAUZO_DB_DSN)")
			}
		}
	}
	if c.HTTP != nil && c.HTTP.Enabled && c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8080"
	}
	return nil
}

// PostgresDSN returns the configured DSN, honoring the MAUZO_DB_DSN override.
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("MAUZO_DB_DSN"); dsn != "" {
		return dsn
	}
	if c.Storage != nil && c.Storage.Postgres != nil {
		return c.Storage.Postgres.DSN
	}
	return ""
}

// SQLitePath returns the database file path for the sqlite driver.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "mauzo.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mauzo"
	}
	return filepath.Join(home, ".mauzo", "data")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
