package tgp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is a TGP wire message kind.
type Kind string

const (
	KindQuery   Kind = "QUERY"
	KindAck     Kind = "ACK"
	KindCommit  Kind = "COMMIT"
	KindAccept  Kind = "ACCEPT"
	KindFulfill Kind = "FULFILL"
	KindVerify  Kind = "VERIFY"
	KindClaim   Kind = "CLAIM"
	KindSettle  Kind = "SETTLE"
	KindError   Kind = "ERROR"
)

// Origin identifies the channel a message arrived on.
type Origin string

const (
	OriginHTTP   Origin = "http"
	OriginStream Origin = "stream"
	OriginChain  Origin = "chain"
)

var ErrMalformedMessage = errors.New("malformed message")

// Message is the canonical envelope for every protocol message, regardless of
// whether it arrived over the request/response endpoint, the streaming
// endpoint, or the settlement-event observer.
type Message struct {
	Kind      Kind            `json:"kind"`
	ChainID   uint64          `json:"chain_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	Origin Origin `json:"-"`
}

var inboundKinds = map[Kind]struct{}{
	KindQuery:   {},
	KindCommit:  {},
	KindAccept:  {},
	KindFulfill: {},
	KindVerify:  {},
	KindClaim:   {},
	KindSettle:  {},
}

// Parse decodes a raw inbound message and normalizes it. Only client and
// chain-observer kinds are accepted; ACK and ERROR are TBC-emitted.
func Parse(raw []byte, origin Origin) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg.Kind = Kind(strings.ToUpper(strings.TrimSpace(string(msg.Kind))))
	msg.SessionID = strings.TrimSpace(msg.SessionID)
	msg.Origin = origin
	if _, ok := inboundKinds[msg.Kind]; !ok {
		return Message{}, fmt.Errorf("%w: unsupported kind %q", ErrMalformedMessage, msg.Kind)
	}
	if msg.Kind != KindQuery && msg.SessionID == "" {
		return Message{}, fmt.Errorf("%w: session_id required for %s", ErrMalformedMessage, msg.Kind)
	}
	switch origin {
	case OriginHTTP, OriginStream:
		if msg.Kind == KindVerify || msg.Kind == KindSettle {
			return Message{}, fmt.Errorf("%w: %s only accepted from chain observer", ErrMalformedMessage, msg.Kind)
		}
	case OriginChain:
		if msg.Kind != KindVerify && msg.Kind != KindSettle {
			return Message{}, fmt.Errorf("%w: chain observer may only emit VERIFY or SETTLE", ErrMalformedMessage)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown origin %q", ErrMalformedMessage, origin)
	}
	return msg, nil
}

// DecodePayload unmarshals the kind-specific payload into dst.
func (m Message) DecodePayload(dst interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// ErrorPayload is the body of a TBC-emitted ERROR message.
type ErrorPayload struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// StatusPayload echoes the session state after a successful transition.
type StatusPayload struct {
	State string `json:"state"`
}

// NewOutbound builds a TBC-emitted message with a marshaled payload.
func NewOutbound(kind Kind, chainID uint64, sessionID string, payload interface{}) Message {
	var raw json.RawMessage
	if payload != nil {
		b, _ := json.Marshal(payload)
		raw = b
	}
	return Message{Kind: kind, ChainID: chainID, SessionID: sessionID, Payload: raw}
}
