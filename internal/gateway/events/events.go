// Package events implements the WebSocket event stream for review surfaces.
// Approval UIs connect, authenticate, and receive operation lifecycle events
// in real time instead of polling the operations endpoint.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/mauzo/internal/approval"
)

// Event types pushed to subscribers.
const (
	EventOperationCreated  = "operation.created"
	EventOperationResolved = "operation.resolved"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber that
// falls further behind starts losing events rather than blocking the hub.
const subscriberBuffer = 64

// Event is one message on the stream.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Hub fans operation lifecycle events out to connected WebSocket clients.
// It implements approval.Notifier; all notification methods are non-blocking.
type Hub struct {
	token  string // Shared subscriber token; empty disables auth.
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan []byte
}

// NewHub creates an event hub. token authenticates subscribers; empty token
// disables authentication (tests, local development).
func NewHub(token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		token:  token,
		logger: logger.With(slog.String("component", "events")),
		subs:   make(map[*subscriber]struct{}),
	}
}

// OperationCreated implements approval.Notifier.
func (h *Hub) OperationCreated(op *approval.PendingOperation) {
	h.broadcast(EventOperationCreated, op.ToPreview())
}

// OperationResolved implements approval.Notifier.
func (h *Hub) OperationResolved(op *approval.PendingOperation) {
	h.broadcast(EventOperationResolved, op.ToResult())
}

// Publish pushes an arbitrary event to all subscribers. Used by callers
// outside the approval lifecycle (e.g., workflow run transitions).
func (h *Hub) Publish(eventType string, payload any) {
	h.broadcast(eventType, payload)
}

// SubscriberCount returns the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) broadcast(eventType string, payload any) {
	data, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("marshaling event", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != h.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"mauzo-events-v1"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *Hub) handleConnection(ctx context.Context, conn *websocket.Conn) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	h.logger.Info("event subscriber connected")

	// Reader goroutine: subscribers do not send application messages, but the
	// read loop is what surfaces the close frame.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			h.logger.Info("event subscriber disconnected")
			return
		case data := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Warn("event write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

var _ approval.Notifier = (*Hub)(nil)
