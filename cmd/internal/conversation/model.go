// Package conversation owns one-to-one conversations and their message history.
package conversation

import (
	"time"

	v1 "murmur/shared/contracts/realtime/v1"
)

// Status is a conversation's lifecycle state.
type Status string

// Conversation states.
const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusLocked   Status = "locked"
	StatusMuted    Status = "muted"
)

// ParseStatus validates a wire status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusActive, StatusArchived, StatusLocked, StatusMuted:
		return st, true
	default:
		return "", false
	}
}

// Message is a stored chat message. Only Delivered ever changes, and only false to true.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Seq            int64
	CreatedAt      time.Time
	Delivered      bool
}

// Conversation is a snapshot of a two-party conversation. The lock secret hash is
// kept inside the store and never copied out.
type Conversation struct {
	ID           string
	Participants [2]string
	Status       Status
	LastMessage  *Message
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Peer returns the other participant.
func (c Conversation) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// AppendInput describes a message to append.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Now            time.Time
}

// HistoryInput selects a page of history ordered by seq.
type HistoryInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// HistoryPage is one page of history.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// ToWire converts a message to its event shape.
func (m Message) ToWire() v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
		Delivered:      m.Delivered,
	}
}

// ToWire converts a conversation to its event shape.
func (c Conversation) ToWire() v1.Conversation {
	out := v1.Conversation{
		ID:           c.ID,
		Participants: []string{c.Participants[0], c.Participants[1]},
		Status:       string(c.Status),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.LastMessage != nil {
		m := c.LastMessage.ToWire()
		out.LastMessage = &m
	}
	return out
}

// MessagesToWire converts a slice of messages.
func MessagesToWire(in []Message) []v1.Message {
	out := make([]v1.Message, 0, len(in))
	for _, m := range in {
		out = append(out, m.ToWire())
	}
	return out
}
