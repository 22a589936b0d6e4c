// Package v1 defines the pairline wire contract (REST bodies and realtime envelopes).
//
// This package is intentionally stable and dependency-light.
// It is shared between the client and the relay to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated on /ws.
const Subprotocol = "pairline.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessage carries a chat message in both directions.
	TypeMessage = "message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical realtime wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeMessage, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts.UTC(),
		Payload: b,
	}, nil
}

// ---- Realtime payloads ----

// HelloPayload is sent by the client to initiate a session.
// Token is the opaque bearer token issued at login (may be empty).
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload carries the relay session id and the authenticated user (if any).
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// MessagePayload is the message shape used on every surface: realtime push,
// realtime emit, REST history and REST persist.
type MessagePayload struct {
	ID        string    `json:"id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields every producer must fill.
func (m MessagePayload) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return errors.New("missing field: from")
	}
	if strings.TrimSpace(m.To) == "" {
		return errors.New("missing field: to")
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("missing field: content")
	}
	return nil
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- REST bodies ----

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest is the body of POST /auth/signup.
type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the public user representation.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// AuthResponse is returned by login and signup.
type AuthResponse struct {
	User  User   `json:"user"`
	Token string `json:"token,omitempty"`
}

// PersistAck is returned by POST /messages.
type PersistAck struct {
	ID         string `json:"id"`
	Duplicated bool   `json:"duplicated"`
}

// ErrorResponse wraps ErrorPayload for REST error bodies.
type ErrorResponse struct {
	Error ErrorPayload `json:"error"`
}
