package realtime

import (
	"context"
	"fmt"
	"strings"

	"murmur/cmd/internal/apperr"
	"murmur/cmd/internal/conversation"
	v1 "murmur/shared/contracts/realtime/v1"
)

// Protocol error codes. Domain errors use apperr.Code.
const (
	codeBadJSON         = "bad_json"
	codeBadEnvelope     = "bad_envelope"
	codeBadPayload      = "bad_payload"
	codeNotLoggedIn     = "not_logged_in"
	codeRateLimited     = "rate_limited"
	codeSessionReplaced = "session_replaced"
	codeUnsupported     = "unsupported"
)

func (g *WSGateway) dispatch(ctx context.Context, s *session, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeLogin:
		return g.onLogin(ctx, s, env)
	case v1.TypeHeartbeat:
		return g.onHeartbeat(s, env)
	case v1.TypeSendMessage:
		return g.onSendMessage(ctx, s, env)
	case v1.TypeTypingStart, v1.TypeTypingStop:
		return g.onTyping(ctx, s, env)
	case v1.TypeSendFriendRequest:
		return g.onSendFriendRequest(ctx, s, env)
	case v1.TypeAcceptFriendRequest:
		return g.onAcceptFriendRequest(ctx, s, env)
	case v1.TypeRejectFriendRequest:
		return g.onRejectFriendRequest(ctx, s, env)
	case v1.TypeFetchHistory:
		return g.onFetchHistory(ctx, s, env)
	case v1.TypeSetConversationStatus:
		return g.onSetConversationStatus(ctx, s, env)
	case v1.TypeUnlockConversation:
		return g.onUnlockConversation(ctx, s, env)
	case v1.TypeDeleteConversation:
		return g.onDeleteConversation(ctx, s, env)
	default:
		g.sendError(s, codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), env.ID)
		return nil
	}
}

// ---- presence ----

func (g *WSGateway) onLogin(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.login"

	var p v1.LoginPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation(op, "invalid payload")
	}
	if s.userID != "" {
		return apperr.InvalidState(op, "already logged in")
	}

	user, err := g.Users.Get(ctx, strings.TrimSpace(p.UserID))
	if err != nil {
		return err
	}

	prior, replaced := g.Registry.Register(user.ID, s.client)
	s.userID = user.ID
	g.Metrics.SetConnectionsOnline(g.Registry.Len())

	wasOnline := false
	if replaced && prior.Conn.ID() != s.client.ID() {
		wasOnline = g.Registry.IsFresh(prior)
		g.Notifier.PushConn(prior.Conn, v1.TypeError, v1.ErrorPayload{
			Code:    codeSessionReplaced,
			Message: "logged in from another connection",
		})
		prior.Conn.Close()
		g.log.Info("ws.session.replaced", "user_id", user.ID, "old_conn_id", prior.Conn.ID(), "conn_id", s.client.ID())
	}

	online := g.Registry.AllOnline()
	others := make([]string, 0, len(online))
	for _, uid := range online {
		if uid != user.ID {
			others = append(others, uid)
		}
	}
	g.Notifier.PushConn(s.client, v1.TypeOnlineUsersList, v1.OnlineUsersListPayload{
		Self:    user.ToWire(),
		UserIDs: others,
	})

	if !wasOnline {
		g.BroadcastOnline(ctx, user.ID)
	}

	replayed := g.Router.Replay(ctx, user.ID)
	g.log.Info("ws.login", "user_id", user.ID, "conn_id", s.client.ID(), "replaced", replaced, "replayed", replayed)
	return nil
}

func (g *WSGateway) onHeartbeat(s *session, env v1.Envelope) error {
	var p v1.HeartbeatPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation("ws.heartbeat", "invalid payload")
	}
	if p.UserID != "" && p.UserID != s.userID {
		return apperr.Forbidden("ws.heartbeat", "heartbeat for another user")
	}
	g.Tracker.Heartbeat(s.userID)
	return nil
}

// ---- messaging ----

func (g *WSGateway) onSendMessage(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.send_message"

	var p v1.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation(op, "invalid payload")
	}
	if p.SenderID != "" && p.SenderID != s.userID {
		return apperr.Forbidden(op, "cannot send as another user")
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		peer := strings.TrimSpace(p.ReceiverID)
		if peer == "" {
			return apperr.Validation(op, "conversationId or receiverId is required")
		}
		c, ok := g.Conversations.Between(s.userID, peer)
		if !ok {
			return apperr.NotFound(op, "conversation")
		}
		convID = c.ID
	}

	msg, err := g.Router.Send(ctx, convID, s.userID, p.Content)
	if err != nil {
		return err
	}
	g.Notifier.PushConn(s.client, v1.TypeMessageSent, v1.MessageEventPayload{Message: msg.ToWire()})
	return nil
}

func (g *WSGateway) onTyping(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation("ws.typing", "invalid payload")
	}
	if p.UserID != "" && p.UserID != s.userID {
		return apperr.Forbidden("ws.typing", "typing as another user")
	}
	return g.Router.Typing(ctx, p.ConversationID, s.userID, env.Type == v1.TypeTypingStart)
}

// ---- friends ----

func (g *WSGateway) onSendFriendRequest(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.send_friend_request"

	var p v1.SendFriendRequestPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation(op, "invalid payload")
	}
	if p.SenderID != "" && p.SenderID != s.userID {
		return apperr.Forbidden(op, "cannot send as another user")
	}

	receiverID := strings.TrimSpace(p.ReceiverID)
	if receiverID == "" && strings.TrimSpace(p.ReceiverHandle) != "" {
		u, err := g.Users.GetByHandle(ctx, p.ReceiverHandle)
		if err != nil {
			return err
		}
		receiverID = u.ID
	}

	req, err := g.Friends.Send(ctx, s.userID, receiverID)
	if err != nil {
		return err
	}

	ack := v1.FriendRequestEventPayload{Request: req.ToWire()}
	if u, err := g.Users.Get(ctx, receiverID); err == nil {
		w := u.ToWire()
		ack.To = &w
	}
	g.Notifier.PushConn(s.client, v1.TypeFriendRequestSent, ack)
	return nil
}

func (g *WSGateway) onAcceptFriendRequest(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.FriendRequestActionPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation("ws.accept_friend_request", "invalid payload")
	}
	if p.UserID != "" && p.UserID != s.userID {
		return apperr.Forbidden("ws.accept_friend_request", "cannot act as another user")
	}
	// The coordinator notifies both sides, including this connection.
	_, err := g.Friends.Accept(ctx, p.RequestID, s.userID)
	return err
}

func (g *WSGateway) onRejectFriendRequest(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.FriendRequestActionPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation("ws.reject_friend_request", "invalid payload")
	}
	if p.UserID != "" && p.UserID != s.userID {
		return apperr.Forbidden("ws.reject_friend_request", "cannot act as another user")
	}
	req, err := g.Friends.Reject(ctx, p.RequestID, s.userID)
	if err != nil {
		return err
	}
	g.Notifier.PushConn(s.client, v1.TypeFriendRequestRejected, v1.FriendRequestEventPayload{Request: req.ToWire()})
	return nil
}

// ---- conversations ----

// participantConversation loads a conversation the session user belongs to.
func (g *WSGateway) participantConversation(ctx context.Context, op string, s *session, id string) (conversation.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return conversation.Conversation{}, apperr.Validation(op, "conversationId is required")
	}
	c, err := g.Conversations.Get(ctx, id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !c.HasParticipant(s.userID) {
		return conversation.Conversation{}, apperr.Forbidden(op, "not a participant")
	}
	return c, nil
}

func (g *WSGateway) onFetchHistory(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.fetch_history"

	var p v1.FetchHistoryPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation(op, "invalid payload")
	}
	c, err := g.participantConversation(ctx, op, s, p.ConversationID)
	if err != nil {
		return err
	}

	page, err := g.Conversations.History(ctx, conversation.HistoryInput{
		ConversationID: c.ID,
		AfterSeq:       p.AfterSeq,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}
	g.Notifier.PushConn(s.client, v1.TypeHistoryChunk, v1.HistoryChunkPayload{
		ConversationID: c.ID,
		Messages:       conversation.MessagesToWire(page.Messages),
		HasMore:        page.HasMore,
	})
	return nil
}

func (g *WSGateway) onSetConversationStatus(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.set_conversation_status"

	var p v1.SetConversationStatusPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation(op, "invalid payload")
	}
	status, ok := conversation.ParseStatus(strings.TrimSpace(p.Status))
	if !ok {
		return apperr.Validation(op, "unknown status")
	}
	c, err := g.participantConversation(ctx, op, s, p.ConversationID)
	if err != nil {
		return err
	}

	updated, err := g.Conversations.SetStatus(ctx, c.ID, status, p.Password)
	if err != nil {
		return err
	}

	payload := v1.ConversationUpdatedPayload{Conversation: updated.ToWire()}
	for _, uid := range updated.Participants {
		g.Notifier.Push(uid, v1.TypeConversationUpdated, payload)
	}
	g.Notifier.Changed(ctx, updated.Participants[0], updated.Participants[1])
	return nil
}

func (g *WSGateway) onUnlockConversation(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.unlock_conversation"

	var p v1.UnlockConversationPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation(op, "invalid payload")
	}
	c, err := g.participantConversation(ctx, op, s, p.ConversationID)
	if err != nil {
		return err
	}

	ok := g.Conversations.Unlock(ctx, c.ID, p.Password)
	g.Notifier.PushConn(s.client, v1.TypeConversationUnlocked, v1.ConversationUnlockedPayload{
		ConversationID: c.ID,
		OK:             ok,
	})
	if !ok {
		return nil
	}

	if updated, err := g.Conversations.Get(ctx, c.ID); err == nil {
		g.Notifier.Push(updated.Peer(s.userID), v1.TypeConversationUpdated, v1.ConversationUpdatedPayload{
			Conversation: updated.ToWire(),
		})
	}
	g.Notifier.Changed(ctx, c.Participants[0], c.Participants[1])
	return nil
}

func (g *WSGateway) onDeleteConversation(ctx context.Context, s *session, env v1.Envelope) error {
	const op = "ws.delete_conversation"

	var p v1.ConversationRefPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Validation(op, "invalid payload")
	}
	c, err := g.participantConversation(ctx, op, s, p.ConversationID)
	if err != nil {
		return err
	}

	deleted, err := g.Conversations.Delete(ctx, c.ID)
	if err != nil {
		return err
	}
	payload := v1.ConversationRefPayload{ConversationID: deleted.ID}
	for _, uid := range deleted.Participants {
		g.Notifier.Push(uid, v1.TypeConversationDeleted, payload)
	}
	g.Notifier.Changed(ctx, deleted.Participants[0], deleted.Participants[1])
	return nil
}

// ---- error replies ----

func (g *WSGateway) sendError(s *session, code, msg, requestID string) {
	g.Notifier.PushConn(s.client, v1.TypeError, v1.ErrorPayload{
		Code:      code,
		Message:   msg,
		RequestID: requestID,
	})
}

// sendAppError reports a handler error. Unclassified errors are logged and
// surfaced as server_error without detail.
func (g *WSGateway) sendAppError(s *session, err error, requestID string) {
	code := apperr.Code(err)
	if code == "server_error" {
		g.log.Error("ws.handler.failed", "user_id", s.userID, "conn_id", s.client.ID(), "err", err)
	}
	g.sendError(s, code, apperr.Message(err), requestID)
}
