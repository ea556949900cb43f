// Package v1 defines the NeonTalk Relay Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
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

// Type constants (wire-stable).
const (
	// TypeBind associates the connection with a user identity (client -> server).
	TypeBind = "bind"
	// TypeBindAck acknowledges a successful bind (server -> client).
	TypeBindAck = "bind_ack"

	// TypeSignal carries an ephemeral call-signaling payload.
	// Client -> server it names a recipient; server -> client it names the verified sender.
	TypeSignal = "signal"

	// TypeMessage notifies a recipient that a message record was stored (server -> client).
	TypeMessage = "message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Signal kinds (wire-stable).
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

// Envelope is the canonical wire wrapper.
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
	case TypeBind,
		TypeBindAck,
		TypeSignal,
		TypeMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// BindPayload associates the connection with a user identity.
//
// When AccessToken is present the server derives the identity from verified
// claims and UserID is only cross-checked. Servers may be configured to
// require the token.
type BindPayload struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
}

// BindAckPayload confirms the binding and returns the server-side connection id.
type BindAckPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// SignalPayload is sent by a client to route a signaling blob to a peer.
// Payload is opaque to the relay (SDP blob or ICE candidate).
type SignalPayload struct {
	Kind     string          `json:"kind"`
	ToUserID string          `json:"to_user_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Validate checks the closed set of signal kinds and required routing fields.
func (p SignalPayload) Validate() error {
	switch p.Kind {
	case SignalOffer, SignalAnswer, SignalICE:
	default:
		return fmt.Errorf("unknown signal kind: %q", p.Kind)
	}
	if strings.TrimSpace(p.ToUserID) == "" {
		return errors.New("missing to_user_id")
	}
	if len(p.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

// SignalEventPayload is delivered to the recipient's connections.
// FromUserID is always the authenticated identity of the sending connection.
type SignalEventPayload struct {
	Kind       string          `json:"kind"`
	FromUserID string          `json:"from_user_id"`
	Payload    json.RawMessage `json:"payload"`
}

// MessageRecord is the wire form of a stored message.
// Ciphertext and nonce are opaque base64 blobs; the relay never sees plaintext.
type MessageRecord struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Ciphertext  string    `json:"ciphertext"`
	Nonce       string    `json:"nonce"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageEventPayload notifies a recipient that a message record was stored.
type MessageEventPayload struct {
	Message MessageRecord `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
