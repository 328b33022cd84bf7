// Package v1 defines the murmur realtime protocol v1 contract.
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

// Subprotocol is the WebSocket subprotocol negotiated on upgrade.
const Subprotocol = "murmur.realtime.v1"

// Client -> server types (wire-stable).
const (
	TypeLogin                 = "login"
	TypeHeartbeat             = "heartbeat"
	TypeSendMessage           = "send-message"
	TypeSendFriendRequest     = "send-friend-request"
	TypeAcceptFriendRequest   = "accept-friend-request"
	TypeRejectFriendRequest   = "reject-friend-request"
	TypeTypingStart           = "typing-start"
	TypeTypingStop            = "typing-stop"
	TypeFetchHistory          = "fetch-history"
	TypeSetConversationStatus = "set-conversation-status"
	TypeUnlockConversation    = "unlock-conversation"
	TypeDeleteConversation    = "delete-conversation"
)

// Server -> client types (wire-stable).
const (
	TypeOnlineUsersList       = "online-users-list"
	TypeUserOnline            = "user-online"
	TypeUserOffline           = "user-offline"
	TypeMessageReceived       = "message-received"
	TypeMessageSent           = "message-sent"
	TypeFriendRequestReceived = "friend-request-received"
	TypeFriendRequestSent     = "friend-request-sent"
	TypeFriendRequestAccepted = "friend-request-accepted"
	TypeFriendRequestRejected = "friend-request-rejected"
	TypeConversationCreated   = "conversation-created"
	TypeConversationUpdated   = "conversation-updated"
	TypeConversationUnlocked  = "conversation-unlocked"
	TypeConversationDeleted   = "conversation-deleted"
	TypeHistoryChunk          = "history-chunk"
	TypeUserTyping            = "user-typing"
	TypeUserStoppedTyping     = "user-stopped-typing"
	TypeError                 = "error"
)

var clientTypes = map[string]struct{}{
	TypeLogin:                 {},
	TypeHeartbeat:             {},
	TypeSendMessage:           {},
	TypeSendFriendRequest:     {},
	TypeAcceptFriendRequest:   {},
	TypeRejectFriendRequest:   {},
	TypeTypingStart:           {},
	TypeTypingStop:            {},
	TypeFetchHistory:          {},
	TypeSetConversationStatus: {},
	TypeUnlockConversation:    {},
	TypeDeleteConversation:    {},
}

// IsTransient reports whether an event type may be dropped under backpressure.
// Typing indicators are ephemeral; everything else is kept.
func IsTransient(typ string) bool {
	return typ == TypeUserTyping || typ == TypeUserStoppedTyping
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with payload marshalled to JSON.
func New(typ, id string, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Validate performs strict structural validation for a client -> server Envelope.
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
	if _, ok := clientTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// Decode unmarshals the payload into dst. An absent payload decodes as {}.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}
