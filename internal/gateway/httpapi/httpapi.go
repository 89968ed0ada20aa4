// Package httpapi implements the HTTP API gateway for Mauzo.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"crypto/rand"
	"crypto/subtle"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/dispatch"
	"github.com/jkaninda/mauzo/internal/observability"
	"github.com/jkaninda/mauzo/internal/ratelimit"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/workflow"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway. It serves one organization; multi-org
// deployments run one gateway per org behind a routing proxy.
type Gateway struct {
	config     Config
	orgID      uuid.UUID
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Manager
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	sessions     *session.Engine      // nil = session endpoints disabled.
	sessionStore session.SessionStore // read side for session endpoints.
	engine       *workflow.Engine     // nil = workflow endpoints disabled.
	wfStore      workflow.Store

	// Extra handlers mounted on the HTTP mux (e.g., the events WebSocket).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, orgID uuid.UUID, d *dispatch.Dispatcher, am *approval.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:     cfg,
		orgID:      orgID,
		dispatcher: d,
		approvals:  am,
		limiter:    rl,
		logger:     logger.With(slog.String("component", "httpapi")),
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithSessions attaches change-session review endpoints.
func (g *Gateway) WithSessions(engine *session.Engine, store session.SessionStore) *Gateway {
	g.sessions = engine
	g.sessionStore = store
	return g
}

// WithWorkflows attaches workflow CRUD and run endpoints.
func (g *Gateway) WithWorkflows(engine *workflow.Engine, store workflow.Store) *Gateway {
	g.engine = engine
	g.wfStore = store
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the events WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Mauzo",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Tool execution.
	g.group.Post("/tools/execute", g.handleExecuteTool,
		okapi.DocSummary("Execute a tool, pausing for approval when required"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(ExecuteToolRequest{}),
		okapi.DocResponse(ExecuteToolResponse{}),
		okapi.DocResponse(http.StatusAccepted, approval.Preview{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Pending operations.
	g.group.Get("/operations", g.handleOperationList,
		okapi.DocSummary("List operations awaiting approval"),
		okapi.DocTags("Operations"),
		okapi.DocResponse([]approval.Preview{}),
	)
	g.group.Get("/operations/{id}", g.handleOperationGet,
		okapi.DocSummary("Get one operation"),
		okapi.DocTags("Operations"),
		okapi.DocPathParam("id", "string", "Operation ID"),
		okapi.DocResponse(approval.OperationResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/operations/{id}/approve", g.handleOperationApprove,
		okapi.DocSummary("Approve a pending operation and execute it"),
		okapi.DocTags("Operations"),
		okapi.DocPathParam("id", "string", "Operation ID"),
		okapi.DocResponse(approval.ExecutionResult{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)
	g.group.Post("/operations/{id}/deny", g.handleOperationDeny,
		okapi.DocSummary("Deny a pending operation"),
		okapi.DocTags("Operations"),
		okapi.DocPathParam("id", "string", "Operation ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	if g.sessions != nil {
		g.registerSessionRoutes()
	}
	if g.engine != nil {
		g.registerWorkflowRoutes()
	}

	// Extra handlers (e.g., the events WebSocket endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleHealth)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Tool execution ---

// ExecuteToolRequest is the JSON body for POST /v1/tools/execute.
type ExecuteToolRequest struct {
	ToolName       string         `json:"tool_name"`
	Params         map[string]any `json:"params,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// ExecuteToolResponse is the JSON response when execution completed directly.
type ExecuteToolResponse struct {
	Status        string      `json:"status"`
	CorrelationID string      `json:"correlation_id"`
	Result        *ToolResult `json:"result,omitempty"`
}

// ToolResult mirrors the tool outcome for API consumers.
type ToolResult struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

func (g *Gateway) handleExecuteTool(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecuteToolRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ToolName == "" {
		return c.AbortBadRequest("tool_name is required")
	}

	conversationID := uuid.Nil
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return c.AbortBadRequest("invalid conversation_id")
		}
		conversationID = id
	}

	correlationID := newCorrelationID()
	g.logger.Info("http tool execution",
		slog.String("user_id", userID),
		slog.String("tool", req.ToolName),
		slog.String("correlation_id", correlationID),
	)

	outcome, err := g.dispatcher.ExecuteTool(c.Context(), dispatch.Request{
		OrgID:          g.orgID,
		UserID:         userID,
		ConversationID: conversationID,
		ToolName:       req.ToolName,
		Params:         req.Params,
	})
	if err != nil {
		g.logger.Error("tool dispatch failed",
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)
		return c.AbortInternalServerError("tool dispatch failed")
	}

	if outcome.Status == dispatch.OutcomeApprovalPending {
		return c.JSON(http.StatusAccepted, outcome.Preview)
	}
	if outcome.Status == dispatch.OutcomeError && outcome.Result != nil {
		if code, _ := outcome.Result.Metadata["error_code"].(string); code == dispatch.CodeToolNotFound {
			return c.JSON(http.StatusNotFound, okapi.M{"error": outcome.Result.Output})
		}
	}

	resp := ExecuteToolResponse{Status: outcome.Status, CorrelationID: correlationID}
	if outcome.Result != nil {
		resp.Result = &ToolResult{
			Output:   outcome.Result.Output,
			Metadata: outcome.Result.Metadata,
			Success:  outcome.Result.Success,
		}
	}
	return c.OK(resp)
}

// --- Operations ---

func (g *Gateway) handleOperationList(c *okapi.Context) error {
	ops, err := g.approvals.ListPending(c.Context(), g.orgID)
	if err != nil {
		g.logger.Error("listing pending operations", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing operations failed")
	}
	previews := make([]*approval.Preview, 0, len(ops))
	for i := range ops {
		previews = append(previews, ops[i].ToPreview())
	}
	return c.OK(previews)
}

func (g *Gateway) handleOperationGet(c *okapi.Context) error {
	op, err := g.approvals.Get(c.Context(), c.Param("id"))
	if err != nil {
		return operationError(c, err)
	}
	if op.OrgID != g.orgID {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "operation not found"})
	}
	if op.Status == approval.StatusPending {
		return c.OK(op.ToPreview())
	}
	return c.OK(op.ToResult())
}

func (g *Gateway) handleOperationApprove(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id := c.Param("id")
	g.logger.Info("http approval",
		slog.String("user_id", userID),
		slog.String("operation_id", id),
	)

	res, err := g.approvals.Approve(c.Context(), id, userID)
	if err != nil {
		return operationError(c, err)
	}
	return c.OK(res)
}

func (g *Gateway) handleOperationDeny(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id := c.Param("id")
	g.logger.Info("http denial",
		slog.String("user_id", userID),
		slog.String("operation_id", id),
	)

	if err := g.approvals.Deny(c.Context(), id, userID); err != nil {
		return operationError(c, err)
	}
	return c.OK(map[string]string{"operation_id": id, "status": "canceled"})
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, mapped := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = mapped
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func (g *Gateway) allow(userID string) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(userID)
}

// --- Helpers ---

// newCorrelationID generates a short random hex ID for request tracing.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// operationError maps approval state-machine errors to HTTP responses.
func operationError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "operation not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "operation expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "operation already resolved"})
	default:
		return c.AbortInternalServerError("operation error")
	}
}
