// Package messaging routes chat messages and typing indicators between participants.
package messaging

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"murmur/cmd/identity"
	"murmur/cmd/internal/apperr"
	"murmur/cmd/internal/conversation"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/notify"
	v1 "murmur/shared/contracts/realtime/v1"
)

// MaxContentChars bounds message length in runes.
const MaxContentChars = 4000

// Users resolves identities for event payloads.
type Users interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

// Router persists messages and fans them out to the peer.
//
// A message is always appended before any delivery attempt, so a failed or skipped
// push never loses it; it stays delivered=false until a later Replay.
type Router struct {
	log      *slog.Logger
	store    *conversation.Store
	users    Users
	notifier *notify.Notifier
	metrics  *metrics.Metrics
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, store *conversation.Store, users Users, n *notify.Notifier, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{log: log, store: store, users: users, notifier: n, metrics: m}
}

// Send validates and stores a message, then pushes message-received to the peer
// if it is online. Delivery is recorded only when the push was enqueued.
func (r *Router) Send(ctx context.Context, conversationID, senderID, content string) (conversation.Message, error) {
	const op = "messaging.Send"

	content = strings.TrimSpace(content)
	if content == "" {
		return conversation.Message{}, apperr.Validation(op, "message content is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return conversation.Message{}, apperr.Validation(op, "message too long")
	}

	conv, err := r.store.Get(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return conversation.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return conversation.Message{}, apperr.Forbidden(op, "sender is not a participant")
	}

	msg, err := r.store.AppendMessage(ctx, conversation.AppendInput{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
	})
	if err != nil {
		return conversation.Message{}, err
	}
	r.metrics.MessageSent()

	if r.deliver(ctx, msg) == delivered {
		msg.Delivered = true
	}
	r.notifier.Changed(ctx, msg.SenderID, msg.ReceiverID)

	r.log.Debug("messaging.send",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"delivered", msg.Delivered,
	)
	return msg, nil
}

// Typing forwards a typing indicator to the peer. It is never stored and is
// dropped when the peer is offline.
func (r *Router) Typing(ctx context.Context, conversationID, userID string, started bool) error {
	const op = "messaging.Typing"

	conv, err := r.store.Get(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return apperr.Forbidden(op, "not a participant")
	}

	typ := v1.TypeUserStoppedTyping
	if started {
		typ = v1.TypeUserTyping
	}
	r.notifier.Push(conv.Peer(userID), typ, v1.TypingEventPayload{
		ConversationID: conv.ID,
		UserID:         userID,
	})
	return nil
}

// Replay pushes every undelivered message addressed to userID, oldest first.
// It stops at the first push the connection refuses and returns the number delivered.
// Messages another caller is already pushing are skipped.
func (r *Router) Replay(ctx context.Context, userID string) int {
	pending := r.store.Undelivered(ctx, userID)
	n := 0
	for _, msg := range pending {
		res := r.deliver(ctx, msg)
		if res == refused {
			break
		}
		if res == delivered {
			n++
		}
	}
	if n > 0 {
		r.notifier.Changed(ctx, userID)
		r.log.Info("messaging.replay", "user_id", userID, "delivered", n, "pending", len(pending))
	}
	return n
}

type deliveryResult int

const (
	delivered deliveryResult = iota
	skipped                  // already delivered, claimed elsewhere, or gone
	refused                  // receiver offline or queue full
)

// deliver claims msg, pushes it and marks it delivered. A message is pushed at
// most once: the claim is taken under the store lock before the push.
func (r *Router) deliver(ctx context.Context, msg conversation.Message) deliveryResult {
	ok, err := r.store.ClaimDelivery(ctx, msg.ConversationID, msg.ID)
	if err != nil || !ok {
		return skipped
	}

	payload := v1.MessageEventPayload{Message: msg.ToWire()}
	payload.Message.Delivered = true
	if u, err := r.users.Get(ctx, msg.SenderID); err == nil {
		w := u.ToWire()
		payload.Sender = &w
	}

	if !r.notifier.Push(msg.ReceiverID, v1.TypeMessageReceived, payload) {
		r.store.ReleaseDelivery(msg.ConversationID, msg.ID)
		return refused
	}
	if _, err := r.store.MarkDelivered(ctx, msg.ConversationID, msg.ID); err != nil {
		// Deleted between push and mark; nothing left to flag.
		r.log.Debug("messaging.mark_delivered.skipped", "message_id", msg.ID, "err", err)
		return delivered
	}
	r.metrics.MessageDelivered()
	return delivered
}
