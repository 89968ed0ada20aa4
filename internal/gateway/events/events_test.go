package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/approval"
)

func testOperation() *approval.PendingOperation {
	return &approval.PendingOperation{
		ID:        "op-1",
		OrgID:     uuid.New(),
		UserID:    "alice",
		Payload:   approval.GenericOperation{Tool: "send_email", Params: map[string]any{"to": "bob@example.com"}},
		Status:    approval.StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(30 * time.Minute),
	}
}

func attach(h *Hub) *subscriber {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func TestOperationCreatedEvent(t *testing.T) {
	h := NewHub("", nil)
	sub := attach(h)

	h.OperationCreated(testOperation())

	select {
	case data := <-sub.ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshaling event: %v", err)
		}
		if ev.Type != EventOperationCreated {
			t.Errorf("type = %q, want %q", ev.Type, EventOperationCreated)
		}
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if payload["operation_id"] != "op-1" {
			t.Errorf("operation_id = %v", payload["operation_id"])
		}
		if payload["tool_name"] != "send_email" {
			t.Errorf("tool_name = %v", payload["tool_name"])
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestOperationResolvedEvent(t *testing.T) {
	h := NewHub("", nil)
	sub := attach(h)

	op := testOperation()
	op.Status = approval.StatusCompleted
	op.SuccessCount = 1
	h.OperationResolved(op)

	select {
	case data := <-sub.ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshaling event: %v", err)
		}
		if ev.Type != EventOperationResolved {
			t.Errorf("type = %q, want %q", ev.Type, EventOperationResolved)
		}
		payload := ev.Payload.(map[string]any)
		if payload["status"] != "completed" {
			t.Errorf("status = %v", payload["status"])
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub("", nil)
	sub := attach(h)

	// Overflow the subscriber buffer; broadcast must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			h.OperationCreated(testOperation())
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	if got := len(sub.ch); got != subscriberBuffer {
		t.Errorf("buffered events = %d, want %d", got, subscriberBuffer)
	}
}

func TestSubscriberCount(t *testing.T) {
	h := NewHub("secret", nil)
	if h.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", h.SubscriberCount())
	}
	attach(h)
	attach(h)
	if h.SubscriberCount() != 2 {
		t.Errorf("count = %d, want 2", h.SubscriberCount())
	}
}
