package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/okapi"
)

// SessionResponse is the JSON representation of a change session.
type SessionResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// SnapshotResponse is the JSON representation of one recorded mutation.
type SnapshotResponse struct {
	ID        string         `json:"id"`
	TableName string         `json:"table_name"`
	RecordID  string         `json:"record_id"`
	Operation string         `json:"operation"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Seq       int            `json:"seq"`
}

// SessionDetailResponse is a session with its snapshot trail.
type SessionDetailResponse struct {
	SessionResponse
	Snapshots []SnapshotResponse `json:"snapshots"`
}

func (g *Gateway) registerSessionRoutes() {
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get a change session with its snapshot trail"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionDetailResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/approve", g.handleSessionApprove,
		okapi.DocSummary("Approve a change session, keeping its writes"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/discard", g.handleSessionDiscard,
		okapi.DocSummary("Discard a change session, rolling back its writes"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(session.DiscardOutcome{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	cs, err := g.sessionStore.Get(c.Context(), id)
	if err != nil {
		return sessionError(c, err)
	}
	if cs.OrgID != g.orgID {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "change session not found"})
	}

	snaps, err := g.sessionStore.Snapshots(c.Context(), id)
	if err != nil {
		g.logger.Error("loading snapshots", slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading snapshots failed")
	}

	resp := SessionDetailResponse{
		SessionResponse: toSessionResponse(cs),
		Snapshots:       make([]SnapshotResponse, 0, len(snaps)),
	}
	for i := range snaps {
		resp.Snapshots = append(resp.Snapshots, toSnapshotResponse(&snaps[i]))
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionApprove(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	if ok, err := g.sessionInOrg(c, id); !ok {
		return err
	}

	g.logger.Info("http session approval",
		slog.String("user_id", userID),
		slog.String("session_id", id.String()),
	)

	if err := g.sessions.Approve(c.Context(), id); err != nil {
		return sessionError(c, err)
	}
	return c.OK(map[string]string{"session_id": id.String(), "status": "approved"})
}

func (g *Gateway) handleSessionDiscard(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	if ok, err := g.sessionInOrg(c, id); !ok {
		return err
	}

	g.logger.Info("http session discard",
		slog.String("user_id", userID),
		slog.String("session_id", id.String()),
	)

	outcome, err := g.sessions.Discard(c.Context(), id)
	if err != nil {
		return sessionError(c, err)
	}
	return c.OK(outcome)
}

// sessionInOrg verifies the session belongs to the gateway's organization.
// When ok is false the response has already been written and the handler
// returns err as-is.
func (g *Gateway) sessionInOrg(c *okapi.Context, id uuid.UUID) (ok bool, err error) {
	cs, err := g.sessionStore.Get(c.Context(), id)
	if err != nil {
		return false, sessionError(c, err)
	}
	if cs.OrgID != g.orgID {
		return false, c.JSON(http.StatusNotFound, okapi.M{"error": "change session not found"})
	}
	return true, nil
}

func toSessionResponse(cs *session.ChangeSession) SessionResponse {
	return SessionResponse{
		ID:             cs.ID.String(),
		UserID:         cs.UserID,
		ConversationID: cs.ConversationID.String(),
		Status:         cs.Status.String(),
		CreatedAt:      cs.CreatedAt,
		ResolvedAt:     cs.ResolvedAt,
	}
}

func toSnapshotResponse(snap *session.RecordSnapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:        snap.ID.String(),
		TableName: snap.TableName,
		RecordID:  snap.RecordID,
		Operation: string(snap.Operation),
		Before:    snap.BeforeData,
		After:     snap.AfterData,
		CreatedAt: snap.CreatedAt,
		Seq:       snap.Seq,
	}
}

// sessionError maps change-session errors to HTTP responses.
func sessionError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "change session not found"})
	case errors.Is(err, session.ErrSessionResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "change session already resolved"})
	default:
		return c.AbortInternalServerError("session error")
	}
}
