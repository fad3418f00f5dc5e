package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one session lifecycle notification. Session carries the composite
// "<chain>/<id>" key so subscribers can filter without decoding Data.
type Event struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	At      string          `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SessionState is the Data body of a "session.state" event.
type SessionState struct {
	SessionID string `json:"session_id"`
	ChainID   uint64 `json:"chain_id"`
	State     string `json:"state"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// NewSessionEvent builds an event scoped to one session.
func NewSessionEvent(sessionKey, eventType string, data interface{}) Event {
	evt := NewEvent(eventType, data)
	evt.Session = sessionKey
	return evt
}

// Hub fans events out to subscribers. Slow subscribers drop events instead
// of blocking publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}}
}

// Subscribe registers a subscriber. A non-empty sessionKey narrows delivery
// to that session's events; empty receives everything.
func (h *Hub) Subscribe(sessionKey string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = sessionKey
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, key := range h.subs {
		if key != "" && key != evt.Session {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}
