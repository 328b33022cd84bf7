// Package friends manages friend requests and the conversation handshake on acceptance.
package friends

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/apperr"
	"murmur/cmd/internal/conversation"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/notify"
	v1 "murmur/shared/contracts/realtime/v1"
)

// Status is a friend request state. accepted and rejected are terminal.
type Status string

// Request states.
const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Request is a friend request snapshot.
type Request struct {
	ID         string
	SenderID   string
	ReceiverID string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ToWire converts the request to its event shape.
func (r Request) ToWire() v1.FriendRequest {
	return v1.FriendRequest{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
	}
}

// Users resolves identities.
type Users interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator owns friend requests.
//
// Concurrency:
//   - mu guards requests and the pending index.
//   - Accept holds mu across the state transition and conversation creation, so a
//     request can be accepted once. Lock order is coordinator then store.
//   - Notifications are pushed after mu is released.
type Coordinator struct {
	log      *slog.Logger
	users    Users
	store    *conversation.Store
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	requests map[string]*Request
	pending  map[string]string // "sender|receiver" -> request id
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	log *slog.Logger,
	users Users,
	store *conversation.Store,
	n *notify.Notifier,
	m *metrics.Metrics,
	opts ...Option,
) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:      log,
		users:    users,
		store:    store,
		notifier: n,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		requests: make(map[string]*Request),
		pending:  make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func pendingKey(sender, receiver string) string {
	return sender + "|" + receiver
}

// Send creates a pending request from senderID to receiverID and notifies the
// receiver if online.
func (c *Coordinator) Send(ctx context.Context, senderID, receiverID string) (Request, error) {
	const op = "friends.Send"

	senderID, receiverID = strings.TrimSpace(senderID), strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return Request{}, apperr.Validation(op, "sender and receiver are required")
	}
	if senderID == receiverID {
		return Request{}, apperr.Validation(op, "cannot send a friend request to yourself")
	}

	sender, err := c.users.Get(ctx, senderID)
	if err != nil {
		return Request{}, err
	}
	if _, err := c.users.Get(ctx, receiverID); err != nil {
		return Request{}, err
	}

	now := c.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Request{}, err
	}

	c.mu.Lock()
	if _, ok := c.pending[pendingKey(senderID, receiverID)]; ok {
		c.mu.Unlock()
		return Request{}, apperr.Conflict(op, "friend request already pending")
	}
	if _, ok := c.pending[pendingKey(receiverID, senderID)]; ok {
		c.mu.Unlock()
		return Request{}, apperr.Conflict(op, "friend request already pending")
	}
	if _, ok := c.store.Between(senderID, receiverID); ok {
		c.mu.Unlock()
		return Request{}, apperr.Conflict(op, "already friends")
	}

	req := &Request{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.requests[req.ID] = req
	c.pending[pendingKey(senderID, receiverID)] = req.ID
	out := *req
	c.mu.Unlock()

	from := sender.ToWire()
	c.notifier.Push(receiverID, v1.TypeFriendRequestReceived, v1.FriendRequestEventPayload{
		Request: out.ToWire(),
		From:    &from,
	})
	c.notifier.Changed(ctx, senderID, receiverID)
	c.metrics.FriendRequest("sent")

	c.log.Info("friends.send", "request_id", out.ID, "sender_id", senderID, "receiver_id", receiverID)
	return out, nil
}

// Accept transitions a pending request to accepted and links the pair with a
// conversation. Both sides are notified with the other's resolved identity.
func (c *Coordinator) Accept(ctx context.Context, requestID, actingUserID string) (conversation.Conversation, error) {
	const op = "friends.Accept"

	c.mu.Lock()
	req, err := c.actionable(op, requestID, actingUserID)
	if err != nil {
		c.mu.Unlock()
		return conversation.Conversation{}, err
	}

	conv, _, err := c.store.FindOrCreate(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		c.mu.Unlock()
		return conversation.Conversation{}, err
	}

	req.Status = StatusAccepted
	req.UpdatedAt = c.now()
	delete(c.pending, pendingKey(req.SenderID, req.ReceiverID))
	out := *req
	c.mu.Unlock()

	c.metrics.FriendRequest("accepted")
	c.notifyAccepted(ctx, out, conv)
	c.notifier.Changed(ctx, out.SenderID, out.ReceiverID)

	c.log.Info("friends.accept", "request_id", out.ID, "conversation_id", conv.ID)
	return conv, nil
}

func (c *Coordinator) notifyAccepted(ctx context.Context, req Request, conv conversation.Conversation) {
	sender, serr := c.users.Get(ctx, req.SenderID)
	receiver, rerr := c.users.Get(ctx, req.ReceiverID)
	if serr != nil || rerr != nil {
		c.log.Warn("friends.accept.resolve_failed", "request_id", req.ID, "sender_err", serr, "receiver_err", rerr)
		return
	}

	wireConv := conv.ToWire()
	c.notifier.Push(req.SenderID, v1.TypeFriendRequestAccepted, v1.FriendRequestAcceptedPayload{
		Request:      req.ToWire(),
		Conversation: wireConv,
		Friend:       receiver.ToWire(),
	})
	c.notifier.Push(req.SenderID, v1.TypeConversationCreated, v1.ConversationCreatedPayload{
		Conversation: wireConv,
		Friend:       receiver.ToWire(),
	})
	c.notifier.Push(req.ReceiverID, v1.TypeConversationCreated, v1.ConversationCreatedPayload{
		Conversation: wireConv,
		Friend:       sender.ToWire(),
	})
}

// Reject transitions a pending request to rejected. The sender is not notified.
func (c *Coordinator) Reject(ctx context.Context, requestID, actingUserID string) (Request, error) {
	const op = "friends.Reject"

	c.mu.Lock()
	req, err := c.actionable(op, requestID, actingUserID)
	if err != nil {
		c.mu.Unlock()
		return Request{}, err
	}
	req.Status = StatusRejected
	req.UpdatedAt = c.now()
	delete(c.pending, pendingKey(req.SenderID, req.ReceiverID))
	out := *req
	c.mu.Unlock()

	c.metrics.FriendRequest("rejected")
	c.notifier.Changed(ctx, out.SenderID, out.ReceiverID)

	c.log.Info("friends.reject", "request_id", out.ID)
	return out, nil
}

// actionable returns the request if actingUserID may act on it. Caller holds mu.
func (c *Coordinator) actionable(op, requestID, actingUserID string) (*Request, error) {
	req, ok := c.requests[strings.TrimSpace(requestID)]
	if !ok {
		return nil, apperr.NotFound(op, "friend request")
	}
	if req.ReceiverID != actingUserID {
		return nil, apperr.Forbidden(op, "only the receiver may respond")
	}
	if req.Status != StatusPending {
		return nil, apperr.InvalidState(op, "friend request is "+string(req.Status))
	}
	return req, nil
}

// Incoming lists pending requests addressed to userID, oldest first.
func (c *Coordinator) Incoming(userID string) []Request {
	return c.filter(func(r *Request) bool { return r.Status == StatusPending && r.ReceiverID == userID })
}

// Outgoing lists pending requests sent by userID, oldest first.
func (c *Coordinator) Outgoing(userID string) []Request {
	return c.filter(func(r *Request) bool { return r.Status == StatusPending && r.SenderID == userID })
}

func (c *Coordinator) filter(keep func(*Request) bool) []Request {
	c.mu.Lock()
	out := make([]Request, 0, 4)
	for _, r := range c.requests {
		if keep(r) {
			out = append(out, *r)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Friends returns the users linked to userID by a conversation.
func (c *Coordinator) Friends(ctx context.Context, userID string) []identity.User {
	convs := c.store.ListFor(userID)
	out := make([]identity.User, 0, len(convs))
	for _, conv := range convs {
		u, err := c.users.Get(ctx, conv.Peer(userID))
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequentialID < out[j].SequentialID })
	return out
}

// PendingCount returns the number of pending requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reset drops every request.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = make(map[string]*Request)
	c.pending = make(map[string]string)
}
