package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/conversation"
	"murmur/cmd/internal/friends"
	"murmur/cmd/internal/messaging"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/notify"
	"murmur/cmd/internal/presence"
	"murmur/cmd/security/password"
	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type wsFixture struct {
	gw    *WSGateway
	ts    *httptest.Server
	users *identity.Directory
	convs *conversation.Store
	alice identity.User
	bob   identity.User
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := identity.NewDirectory()
	alice, err := users.Register(ctx, identity.RegisterInput{Username: "alice"})
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	bob, err := users.Register(ctx, identity.RegisterInput{Username: "bob"})
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	hasher := password.DefaultConfig()
	hasher.Params.MemoryKiB = 1024
	hasher.Params.Iterations = 1
	hasher.Params.Parallelism = 1

	m := metrics.New()
	reg := presence.NewRegistry(presence.DefaultConfig())
	n := notify.New(log, reg, m)
	convs := conversation.NewStore(hasher)
	router := messaging.NewRouter(log, convs, users, n, m)
	coord := friends.NewCoordinator(log, users, convs, n, m)

	cfg := DefaultConfig()
	cfg.OriginRequired = false
	gw := NewWSGateway(log, cfg, Deps{
		Users:         users,
		Registry:      reg,
		Tracker:       presence.NewTracker(log, reg),
		Conversations: convs,
		Router:        router,
		Friends:       coord,
		Notifier:      n,
		Metrics:       m,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &wsFixture{gw: gw, ts: ts, users: users, convs: convs, alice: alice, bob: bob}
}

func dialWS(t *testing.T, baseHTTPURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, f *wsFixture) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, f.ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func login(t *testing.T, conn *websocket.Conn, userID string) v1.OnlineUsersListPayload {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeLogin, "login-"+userID, v1.LoginPayload{UserID: userID})
	return decodePayload[v1.OnlineUsersListPayload](t, readUntilType(t, conn, v1.TypeOnlineUsersList, 4))
}

func TestWSGateway_OriginRejected(t *testing.T) {
	f := newWSFixture(t)

	_, resp, err := dialWS(t, f.ts.URL, "https://evil.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 403, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_LoginRequired(t *testing.T) {
	f := newWSFixture(t)
	conn := mustDial(t, f)

	writeEnvelopeWS(t, conn, v1.TypeHeartbeat, "hb-1", v1.HeartbeatPayload{})
	p := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2))
	if p.Code != codeNotLoggedIn || p.RequestID != "hb-1" {
		t.Fatalf("error=%+v", p)
	}

	writeEnvelopeWS(t, conn, v1.TypeLogin, "login-x", v1.LoginPayload{UserID: "nobody"})
	p = decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2))
	if p.Code != "not_found" {
		t.Fatalf("unknown user login error=%+v", p)
	}
}

func TestWSGateway_BadEnvelope(t *testing.T) {
	f := newWSFixture(t)
	conn := mustDial(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2))
	if p.Code != codeBadJSON {
		t.Fatalf("error=%+v", p)
	}

	writeEnvelopeWS(t, conn, "teleport", "x-1", struct{}{})
	p = decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2))
	if p.Code != codeBadEnvelope {
		t.Fatalf("error=%+v", p)
	}
}

func TestWSGateway_LoginAndPresenceBroadcast(t *testing.T) {
	f := newWSFixture(t)

	a := mustDial(t, f)
	list := login(t, a, f.alice.ID)
	if list.Self.ID != f.alice.ID || len(list.UserIDs) != 0 {
		t.Fatalf("alice online list=%+v", list)
	}

	b := mustDial(t, f)
	list = login(t, b, f.bob.ID)
	if len(list.UserIDs) != 1 || list.UserIDs[0] != f.alice.ID {
		t.Fatalf("bob online list=%+v", list)
	}

	online := decodePayload[v1.PresencePayload](t, readUntilType(t, a, v1.TypeUserOnline, 2))
	if online.UserID != f.bob.ID || online.User == nil || online.User.Username != "bob" {
		t.Fatalf("user-online=%+v", online)
	}

	_ = b.Close(websocket.StatusNormalClosure, "bye")
	offline := decodePayload[v1.PresencePayload](t, readUntilType(t, a, v1.TypeUserOffline, 2))
	if offline.UserID != f.bob.ID {
		t.Fatalf("user-offline=%+v", offline)
	}
}

func TestWSGateway_FriendRequestAcceptAndMessage(t *testing.T) {
	f := newWSFixture(t)

	a := mustDial(t, f)
	login(t, a, f.alice.ID)
	b := mustDial(t, f)
	login(t, b, f.bob.ID)
	_ = readUntilType(t, a, v1.TypeUserOnline, 2)

	writeEnvelopeWS(t, a, v1.TypeSendFriendRequest, "fr-1", v1.SendFriendRequestPayload{ReceiverHandle: f.bob.Handle})

	sent := decodePayload[v1.FriendRequestEventPayload](t, readUntilType(t, a, v1.TypeFriendRequestSent, 2))
	if sent.To == nil || sent.To.ID != f.bob.ID {
		t.Fatalf("friend-request-sent=%+v", sent)
	}
	recv := decodePayload[v1.FriendRequestEventPayload](t, readUntilType(t, b, v1.TypeFriendRequestReceived, 2))
	if recv.Request.ID != sent.Request.ID || recv.From == nil || recv.From.ID != f.alice.ID {
		t.Fatalf("friend-request-received=%+v", recv)
	}

	writeEnvelopeWS(t, b, v1.TypeAcceptFriendRequest, "acc-1", v1.FriendRequestActionPayload{RequestID: recv.Request.ID})

	accepted := decodePayload[v1.FriendRequestAcceptedPayload](t, readUntilType(t, a, v1.TypeFriendRequestAccepted, 2))
	if accepted.Friend.ID != f.bob.ID || accepted.Request.Status != "accepted" {
		t.Fatalf("friend-request-accepted=%+v", accepted)
	}
	created := decodePayload[v1.ConversationCreatedPayload](t, readUntilType(t, b, v1.TypeConversationCreated, 2))
	if created.Friend.ID != f.alice.ID || created.Conversation.ID != accepted.Conversation.ID {
		t.Fatalf("conversation-created=%+v", created)
	}

	writeEnvelopeWS(t, a, v1.TypeSendMessage, "msg-1", v1.SendMessagePayload{
		ConversationID: accepted.Conversation.ID,
		Content:        "hello bob",
	})
	ack := decodePayload[v1.MessageEventPayload](t, readUntilType(t, a, v1.TypeMessageSent, 3))
	got := decodePayload[v1.MessageEventPayload](t, readUntilType(t, b, v1.TypeMessageReceived, 2))
	if got.Message.ID != ack.Message.ID || got.Message.Content != "hello bob" {
		t.Fatalf("message-received=%+v ack=%+v", got, ack)
	}
	if got.Sender == nil || got.Sender.ID != f.alice.ID {
		t.Fatalf("sender=%+v", got.Sender)
	}
}

func TestWSGateway_OfflineMessageReplayedOnLogin(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	conv, _, err := f.convs.FindOrCreate(ctx, f.alice.ID, f.bob.ID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	a := mustDial(t, f)
	login(t, a, f.alice.ID)
	writeEnvelopeWS(t, a, v1.TypeSendMessage, "msg-1", v1.SendMessagePayload{
		ReceiverID: f.bob.ID,
		Content:    "while you were out",
	})
	ack := decodePayload[v1.MessageEventPayload](t, readUntilType(t, a, v1.TypeMessageSent, 2))
	if ack.Message.ConversationID != conv.ID || ack.Message.Delivered {
		t.Fatalf("ack=%+v", ack)
	}

	b := mustDial(t, f)
	login(t, b, f.bob.ID)
	got := decodePayload[v1.MessageEventPayload](t, readUntilType(t, b, v1.TypeMessageReceived, 2))
	if got.Message.ID != ack.Message.ID {
		t.Fatalf("replayed=%+v", got)
	}
}

func TestWSGateway_SessionReplaced(t *testing.T) {
	f := newWSFixture(t)

	first := mustDial(t, f)
	login(t, first, f.alice.ID)

	second := mustDial(t, f)
	list := login(t, second, f.alice.ID)
	if list.Self.ID != f.alice.ID {
		t.Fatalf("second login list=%+v", list)
	}

	p := decodePayload[v1.ErrorPayload](t, readUntilType(t, first, v1.TypeError, 2))
	if p.Code != codeSessionReplaced {
		t.Fatalf("error=%+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := first.Read(ctx); err == nil {
		t.Fatalf("replaced connection still open")
	}

	conn, ok := f.gw.Registry.Lookup(f.alice.ID)
	if !ok {
		t.Fatalf("alice not registered after replacement")
	}
	// The first session's disconnect must not remove the new binding.
	time.Sleep(50 * time.Millisecond)
	if again, ok := f.gw.Registry.Lookup(f.alice.ID); !ok || again.ID() != conn.ID() {
		t.Fatalf("binding lost after old session closed")
	}
}

func TestWSGateway_ConversationLockUnlock(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	conv, _, err := f.convs.FindOrCreate(ctx, f.alice.ID, f.bob.ID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	a := mustDial(t, f)
	login(t, a, f.alice.ID)

	writeEnvelopeWS(t, a, v1.TypeSetConversationStatus, "lock-1", v1.SetConversationStatusPayload{
		ConversationID: conv.ID,
		Status:         "locked",
		Password:       "s3cret",
	})
	upd := decodePayload[v1.ConversationUpdatedPayload](t, readUntilType(t, a, v1.TypeConversationUpdated, 2))
	if upd.Conversation.Status != "locked" {
		t.Fatalf("conversation-updated=%+v", upd)
	}

	writeEnvelopeWS(t, a, v1.TypeUnlockConversation, "unlock-1", v1.UnlockConversationPayload{ConversationID: conv.ID, Password: "nope"})
	res := decodePayload[v1.ConversationUnlockedPayload](t, readUntilType(t, a, v1.TypeConversationUnlocked, 2))
	if res.OK {
		t.Fatalf("wrong password unlocked")
	}

	writeEnvelopeWS(t, a, v1.TypeUnlockConversation, "unlock-2", v1.UnlockConversationPayload{ConversationID: conv.ID, Password: "s3cret"})
	res = decodePayload[v1.ConversationUnlockedPayload](t, readUntilType(t, a, v1.TypeConversationUnlocked, 2))
	if !res.OK {
		t.Fatalf("correct password rejected")
	}

	writeEnvelopeWS(t, a, v1.TypeFetchHistory, "hist-1", v1.FetchHistoryPayload{ConversationID: conv.ID})
	chunk := decodePayload[v1.HistoryChunkPayload](t, readUntilType(t, a, v1.TypeHistoryChunk, 2))
	if chunk.ConversationID != conv.ID || len(chunk.Messages) != 0 || chunk.HasMore {
		t.Fatalf("history-chunk=%+v", chunk)
	}
}
