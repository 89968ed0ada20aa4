package crm

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/jkaninda/mauzo/internal/config"
	"github.com/jkaninda/mauzo/internal/tools"
)

const (
	defaultMaxRows    = 1000
	defaultTimeoutSec = 30
)

// blockedSQLPrefixes are statement prefixes that indicate write/DDL operations.
var blockedSQLPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
}

// allowedSQLPrefixes are the only statement prefixes permitted.
var allowedSQLPrefixes = []string{"SELECT", "EXPLAIN", "SHOW", "WITH"}

// RevenueQueryTool runs read-only SQL against the reporting database. The
// DSN points at the analytics warehouse, never at Mauzo's own storage.
type RevenueQueryTool struct {
	config config.AnalyticsConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewRevenueQueryTool creates the tool. The connection opens lazily on first
// Execute.
func NewRevenueQueryTool(cfg config.AnalyticsConfig, logger *slog.Logger) *RevenueQueryTool {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSec
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RevenueQueryTool{config: cfg, logger: logger}
}

func (t *RevenueQueryTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "query_revenue_data",
		Description: "Run a read-only SQL query against the revenue reporting database (SELECT, EXPLAIN, SHOW, WITH).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":    map[string]any{"type": "string", "description": "Read-only SQL query."},
				"max_rows": map[string]any{"type": "number", "description": "Maximum rows returned."},
			},
			"required": []string{"query"},
		},
		Risk: tools.RiskExternalRead,
	}
}

func (t *RevenueQueryTool) Validate(params map[string]any) error {
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query is required")
	}
	return validateReadOnly(query)
}

func (t *RevenueQueryTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	query, _ := params["query"].(string)

	if err := t.ensureConnected(); err != nil {
		return nil, fmt.Errorf("reporting database connection: %w", err)
	}

	maxRows := t.config.MaxRows
	if v, ok := params["max_rows"].(float64); ok && int(v) > 0 && int(v) < maxRows {
		maxRows = int(v)
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(t.config.TimeoutSeconds)*time.Second)
	defer cancel()

	t.logger.InfoContext(ctx, "revenue query executing",
		slog.String("query_prefix", truncateQuery(query, 100)),
		slog.Int("max_rows", maxRows),
	)

	rows, err := t.db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	defer rows.Close()

	output, rowCount, err := formatRows(rows, maxRows)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}

	return &tools.Result{
		Success: true,
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Metadata: map[string]any{
			"rows_returned": rowCount,
			"max_rows":      maxRows,
		},
	}, nil
}

func (t *RevenueQueryTool) ensureConnected() error {
	if t.db != nil {
		return t.db.Ping()
	}
	if t.config.DSN == "" {
		return fmt.Errorf("analytics DSN not configured")
	}

	db, err := sql.Open("pgx", t.config.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// Conservative pool for a tool, not a web server.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	t.db = db
	return nil
}

// validateReadOnly checks that a SQL statement is safe for read-only
// execution: allowed prefix, no blocked prefix, single statement.
func validateReadOnly(query string) error {
	normalized := stripLeadingComments(strings.TrimSpace(query))
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}
	upper := strings.ToUpper(normalized)

	for _, prefix := range blockedSQLPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed (read-only mode)", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range allowedSQLPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedSQLPrefixes, ", "))
	}

	trimmed := strings.TrimRight(normalized, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements not allowed; submit one query at a time")
	}
	return nil
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

// formatRows renders SQL rows as a tab-separated table with headers.
func formatRows(rows *sql.Rows, maxRows int) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("getting columns: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	rowCount := 0
	for rows.Next() {
		if rowCount >= maxRows {
			sb.WriteString(fmt.Sprintf("\n... [results truncated at %d rows]", maxRows))
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return "", rowCount, fmt.Errorf("scanning row %d: %w", rowCount, err)
		}
		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(formatValue(v))
		}
		sb.WriteString("\n")
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return "", rowCount, fmt.Errorf("iterating rows: %w", err)
	}
	if rowCount == 0 {
		sb.WriteString("(no rows returned)\n")
	}
	return sb.String(), rowCount, nil
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if len(s) > 500 {
			return s[:500] + "..."
		}
		return s
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truncateQuery(q string, n int) string {
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) > n {
		return q[:n] + "..."
	}
	return q
}
