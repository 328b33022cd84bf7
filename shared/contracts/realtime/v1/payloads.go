package v1

import "time"

// ---- shared shapes ----

// User is the public identity shape carried in events.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Handle      string `json:"displayUsername"`
	Avatar      string `json:"avatar,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
	Delivered      bool      `json:"delivered"`
}

// Conversation is the public conversation shape. The lock secret is never included.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	Status       string    `json:"status"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// FriendRequest is the public friend request shape.
type FriendRequest struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ---- client -> server ----

// LoginPayload announces the identity bound to this connection.
type LoginPayload struct {
	UserID string `json:"userId"`
}

// HeartbeatPayload refreshes presence. UserID is optional and must match the session.
type HeartbeatPayload struct {
	UserID string `json:"userId,omitempty"`
}

// SendMessagePayload requests sending a message.
// ReceiverID is advisory; the router derives the peer from the conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Content        string `json:"content"`
}

// SendFriendRequestPayload addresses the receiver by id or by "#N" handle.
type SendFriendRequestPayload struct {
	SenderID       string `json:"senderId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	ReceiverHandle string `json:"receiverHandle,omitempty"`
}

// FriendRequestActionPayload accepts or rejects a pending request.
type FriendRequestActionPayload struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId,omitempty"`
}

// TypingPayload starts or stops a typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// FetchHistoryPayload requests a history window.
type FetchHistoryPayload struct {
	ConversationID string `json:"conversationId"`
	AfterSeq       *int64 `json:"afterSeq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// SetConversationStatusPayload changes a conversation status.
// Password is required when Status is "locked".
type SetConversationStatusPayload struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Password       string `json:"password,omitempty"`
}

// UnlockConversationPayload attempts to unlock a locked conversation.
type UnlockConversationPayload struct {
	ConversationID string `json:"conversationId"`
	Password       string `json:"password"`
}

// ConversationRefPayload references a conversation by id.
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

// ---- server -> client ----

// OnlineUsersListPayload is sent after a successful login.
type OnlineUsersListPayload struct {
	Self    User     `json:"self"`
	UserIDs []string `json:"userIds"`
}

// PresencePayload announces a user-online / user-offline transition.
type PresencePayload struct {
	UserID string `json:"userId"`
	User   *User  `json:"user,omitempty"`
}

// MessageEventPayload carries message-received and message-sent.
type MessageEventPayload struct {
	Message Message `json:"message"`
	Sender  *User   `json:"sender,omitempty"`
}

// FriendRequestEventPayload carries friend-request-received/sent/rejected.
type FriendRequestEventPayload struct {
	Request FriendRequest `json:"request"`
	From    *User         `json:"from,omitempty"`
	To      *User         `json:"to,omitempty"`
}

// FriendRequestAcceptedPayload is sent to the original sender.
type FriendRequestAcceptedPayload struct {
	Request      FriendRequest `json:"request"`
	Conversation Conversation  `json:"conversation"`
	Friend       User          `json:"friend"`
}

// ConversationCreatedPayload is sent to both participants after acceptance.
type ConversationCreatedPayload struct {
	Conversation Conversation `json:"conversation"`
	Friend       User         `json:"friend"`
}

// ConversationUpdatedPayload announces a status change.
type ConversationUpdatedPayload struct {
	Conversation Conversation `json:"conversation"`
}

// ConversationUnlockedPayload reports an unlock attempt outcome.
type ConversationUnlockedPayload struct {
	ConversationID string `json:"conversationId"`
	OK             bool   `json:"ok"`
}

// HistoryChunkPayload returns messages for a fetch-history request.
type HistoryChunkPayload struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
}

// TypingEventPayload carries user-typing / user-stopped-typing.
type TypingEventPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ErrorPayload is a generic error response payload.
// RequestID echoes the envelope id that caused the error, when known.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}
