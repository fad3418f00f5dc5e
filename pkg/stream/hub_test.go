package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewSessionEvent(t *testing.T) {
	t.Parallel()

	evt := NewSessionEvent("8453/abc", "session.state", SessionState{SessionID: "abc", ChainID: 8453, State: "ACKED"})
	if evt.Type != "session.state" {
		t.Fatalf("expected type session.state, got %q", evt.Type)
	}
	if evt.Session != "8453/abc" {
		t.Fatalf("expected session key, got %q", evt.Session)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload SessionState
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.State != "ACKED" {
		t.Fatalf("expected state ACKED, got %q", payload.State)
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe("", 1)
	h.Publish(NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestSessionScopedSubscriberFilters(t *testing.T) {
	t.Parallel()

	h := NewHub()
	mine := h.Subscribe("1/alpha", 4)
	defer h.Unsubscribe(mine)

	h.Publish(NewSessionEvent("1/beta", "session.state", nil))
	h.Publish(NewSessionEvent("1/alpha", "session.state", nil))

	select {
	case evt := <-mine:
		if evt.Session != "1/alpha" {
			t.Fatalf("received event for wrong session %q", evt.Session)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for scoped event")
	}

	select {
	case evt := <-mine:
		t.Fatalf("unexpected extra event %q for %q", evt.Type, evt.Session)
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe("", 1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("first", nil))
	h.Publish(NewEvent("second", nil))

	evt := <-ch
	if evt.Type != "first" {
		t.Fatalf("expected first event, got %q", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected second event dropped, got %q", evt.Type)
	default:
	}
}
