// Package main provides a CI-friendly end-to-end smoke test for murmur.
//
// Against a running server it validates:
//   - user registration over HTTP
//   - handshake + subprotocol selection and login
//   - user-online fanout
//   - friend request by handle, accept, conversation-created on both sides
//   - send -> message-sent ack and message-received on the peer
//   - history fetch and the fallback snapshot endpoint
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeUser struct {
	ID     string `json:"id"`
	Handle string `json:"displayUsername"`
}

type smokeClient struct {
	name string
	user smokeUser
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

// Presence and typing noise is skipped while waiting for a specific event.
var noise = map[string]struct{}{
	v1.TypeUserOnline:        {},
	v1.TypeUserOffline:       {},
	v1.TypeUserTyping:        {},
	v1.TypeUserStoppedTyping: {},
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello murmur 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFromBase(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UnixNano()

	ua := mustRegister(root, *baseURL, fmt.Sprintf("smoke_a_%d", suffix), *timeout)
	ub := mustRegister(root, *baseURL, fmt.Sprintf("smoke_b_%d", suffix), *timeout)

	a := mustConnect(root, "A", ua, wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", ub, wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	online := a.mustReadUntilType(root, v1.TypeUserOnline, *timeout)
	var op v1.PresencePayload
	mustUnmarshal(online.Payload, &op)
	if op.UserID != ub.ID {
		fatalf("user-online mismatch (A): got=%q want=%q", op.UserID, ub.ID)
	}

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s)\n", ua.ID, ua.Handle, ub.ID, ub.Handle)
	}

	convID := mustBefriend(root, a, b, *timeout)

	msgID := mustSendAndAssertAck(root, a, convID, *text, *timeout)
	mustAssertReceived(root, b, convID, msgID, ua.ID, *text, *timeout)
	mustHistoryContains(root, b, convID, msgID, *text, *timeout)
	mustStateHasConversation(root, *baseURL, ub.ID, convID, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation_id=%s message_id=%s\n", ua.ID, ub.ID, convID, msgID)
}

func wsURLFromBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustRegister(parent context.Context, base, username string, stepTimeout time.Duration) smokeUser {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"username": username})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/users", bytes.NewReader(body))
	if err != nil {
		fatalf("build register request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("register %s: %v", username, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		fatalf("register %s: status=%d body=%s", username, resp.StatusCode, raw)
	}

	var u smokeUser
	mustUnmarshal(raw, &u)
	if u.ID == "" || u.Handle == "" {
		fatalf("register %s: incomplete user %s", username, raw)
	}
	return u
}

func mustConnect(parent context.Context, name string, user smokeUser, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		user:  user,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.mustWrite(parent, v1.TypeLogin, v1.LoginPayload{UserID: user.ID}, stepTimeout)
	list := c.mustReadUntilType(parent, v1.TypeOnlineUsersList, stepTimeout)

	var p v1.OnlineUsersListPayload
	mustUnmarshal(list.Payload, &p)
	if p.Self.ID != user.ID {
		fatalf("online-users-list self mismatch (%s): got=%q want=%q", name, p.Self.ID, user.ID)
	}
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version {
				c.fail(fmt.Errorf("bad envelope version: %q", env.V))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustBefriend(parent context.Context, a, b *smokeClient, stepTimeout time.Duration) string {
	a.mustWrite(parent, v1.TypeSendFriendRequest, v1.SendFriendRequestPayload{ReceiverHandle: b.user.Handle}, stepTimeout)

	sent := a.mustReadUntilType(parent, v1.TypeFriendRequestSent, stepTimeout)
	var sp v1.FriendRequestEventPayload
	mustUnmarshal(sent.Payload, &sp)

	recv := b.mustReadUntilType(parent, v1.TypeFriendRequestReceived, stepTimeout)
	var rp v1.FriendRequestEventPayload
	mustUnmarshal(recv.Payload, &rp)
	if rp.Request.ID != sp.Request.ID {
		fatalf("friend request id mismatch: sent=%q received=%q", sp.Request.ID, rp.Request.ID)
	}

	b.mustWrite(parent, v1.TypeAcceptFriendRequest, v1.FriendRequestActionPayload{RequestID: rp.Request.ID}, stepTimeout)

	acc := a.mustReadUntilType(parent, v1.TypeFriendRequestAccepted, stepTimeout)
	var ap v1.FriendRequestAcceptedPayload
	mustUnmarshal(acc.Payload, &ap)
	if ap.Friend.ID != b.user.ID {
		fatalf("accepted friend mismatch: got=%q want=%q", ap.Friend.ID, b.user.ID)
	}

	for _, c := range []*smokeClient{a, b} {
		env := c.mustReadUntilType(parent, v1.TypeConversationCreated, stepTimeout)
		var cp v1.ConversationCreatedPayload
		mustUnmarshal(env.Payload, &cp)
		if cp.Conversation.ID != ap.Conversation.ID {
			fatalf("conversation-created mismatch (%s): got=%q want=%q", c.name, cp.Conversation.ID, ap.Conversation.ID)
		}
	}
	return ap.Conversation.ID
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) string {
	c.mustWrite(parent, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: convID, Content: text}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout)
	var p v1.MessageEventPayload
	mustUnmarshal(ack.Payload, &p)
	if p.Message.ConversationID != convID {
		fatalf("ack conversation mismatch (%s): got=%q want=%q", c.name, p.Message.ConversationID, convID)
	}
	if strings.TrimSpace(p.Message.ID) == "" || p.Message.Seq <= 0 {
		fatalf("ack incomplete (%s): %+v", c.name, p.Message)
	}
	return p.Message.ID
}

func mustAssertReceived(parent context.Context, c *smokeClient, convID, msgID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageReceived, stepTimeout)

	var p v1.MessageEventPayload
	mustUnmarshal(env.Payload, &p)
	if p.Message.ID != msgID || p.Message.ConversationID != convID {
		fatalf("message-received mismatch (%s): %+v", c.name, p.Message)
	}
	if p.Message.SenderID != senderID {
		fatalf("sender mismatch (%s): got=%q want=%q", c.name, p.Message.SenderID, senderID)
	}
	if p.Message.Content != text {
		fatalf("content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, convID, msgID, text string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: convID, Limit: 50}, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout)
	var p v1.HistoryChunkPayload
	mustUnmarshal(chunk.Payload, &p)

	for _, m := range p.Messages {
		if m.ID == msgID && m.Content == text && m.Delivered {
			return
		}
	}
	fatalf("history-chunk missing delivered message %s (%s)", msgID, c.name)
}

func mustStateHasConversation(parent context.Context, base, userID, convID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/users/"+userID+"/state", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("state %s: %v", userID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fatalf("state %s: status=%d body=%s", userID, resp.StatusCode, raw)
	}
	if !bytes.Contains(raw, []byte(convID)) {
		fatalf("state %s does not mention conversation %s", userID, convID)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := noise[env.Type]; ok {
				continue
			}
			// Other events may legitimately interleave; keep waiting.
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustUnmarshal(raw []byte, dst any) {
	if err := json.Unmarshal(raw, dst); err != nil {
		fatalf("unmarshal: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
