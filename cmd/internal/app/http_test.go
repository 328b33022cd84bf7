package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"murmur/cmd/identity"
	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	cfg := Config{
		LogLevel:             "error",
		FallbackBackend:      "memory",
		PresenceOnlineWindow: 10 * time.Second,
		WSOriginRequired:     false,
		WSSendQueue:          16,
		MetricsEnabled:       true,
	}
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return a, srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func mustCreateUser(t *testing.T, base, username string) identity.User {
	t.Helper()

	resp, raw := doJSON(t, http.MethodPost, base+"/users", map[string]string{"username": username})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /users status=%d body=%s", resp.StatusCode, raw)
	}
	var u identity.User
	if err := json.Unmarshal(raw, &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	return u
}

func decodeErrorCode(t *testing.T, raw []byte) string {
	t.Helper()

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode error body %s: %v", raw, err)
	}
	return body.Error.Code
}

func TestHTTP_CreateUser(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t)

	alice := mustCreateUser(t, srv.URL, "alice")
	if alice.ID == "" || alice.Handle != "#1" || alice.DisplayName != "alice" {
		t.Fatalf("unexpected user: %+v", alice)
	}

	bob := mustCreateUser(t, srv.URL, "bob")
	if bob.Handle != "#2" {
		t.Fatalf("expected #2, got %q", bob.Handle)
	}

	resp, raw := doJSON(t, http.MethodPost, srv.URL+"/users", map[string]string{"username": "ALICE"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate status=%d want=400", resp.StatusCode)
	}
	if code := decodeErrorCode(t, raw); code != "conflict" {
		t.Fatalf("duplicate code=%q", code)
	}

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/users", map[string]string{"username": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank status=%d want=400", resp.StatusCode)
	}
	if code := decodeErrorCode(t, raw); code != "validation" {
		t.Fatalf("blank code=%q", code)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status=%d want=400", resp.StatusCode)
	}
}

func TestHTTP_ListSearchAndGet(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t)

	alice := mustCreateUser(t, srv.URL, "alice")
	mustCreateUser(t, srv.URL, "alicia")
	mustCreateUser(t, srv.URL, "bob")

	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /users status=%d", resp.StatusCode)
	}
	var listing identity.Listing
	if err := json.Unmarshal(raw, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Users) != 3 || listing.Counter != 3 {
		t.Fatalf("listing users=%d counter=%d", len(listing.Users), listing.Counter)
	}
	if listing.Users[0].ID != alice.ID {
		t.Fatalf("listing not ordered by sequence")
	}

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/users/search?q=ali&exclude="+alice.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status=%d", resp.StatusCode)
	}
	var found struct {
		Users []identity.User `json:"users"`
	}
	if err := json.Unmarshal(raw, &found); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(found.Users) != 1 || found.Users[0].Username != "alicia" {
		t.Fatalf("search result: %+v", found.Users)
	}

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/users/search?q=", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"users":[]`) {
		t.Fatalf("empty search status=%d body=%s", resp.StatusCode, raw)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/users/"+alice.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d", resp.StatusCode)
	}

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/users/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing user status=%d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, raw); code != "not_found" {
		t.Fatalf("missing user code=%q", code)
	}
}

func TestHTTP_UpdateAvatar(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t)

	alice := mustCreateUser(t, srv.URL, "alice")

	resp, raw := doJSON(t, http.MethodPut, srv.URL+"/users/"+alice.ID, map[string]string{"avatar": "https://img.example/a.png"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status=%d body=%s", resp.StatusCode, raw)
	}
	var u identity.User
	if err := json.Unmarshal(raw, &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Avatar != "https://img.example/a.png" {
		t.Fatalf("avatar not updated: %+v", u)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/users/missing", map[string]string{"avatar": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("PUT missing status=%d", resp.StatusCode)
	}
}

func TestHTTP_HeartbeatPresence(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t)

	alice := mustCreateUser(t, srv.URL, "alice")

	var p presenceResponse
	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/users/"+alice.ID+"/presence", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presence status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != "offline" {
		t.Fatalf("status=%q want offline", p.Status)
	}

	resp, raw = doJSON(t, http.MethodPost, srv.URL+"/users/"+alice.ID+"/heartbeat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status=%d", resp.StatusCode)
	}
	p = presenceResponse{}
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != "online" || !p.Polling || p.LastHeartbeatAt == nil {
		t.Fatalf("after heartbeat: %+v", p)
	}

	var h healthResponse
	_, raw = doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if err := json.Unmarshal(raw, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "ok" || h.Users != 1 || h.Online != 1 {
		t.Fatalf("health: %+v", h)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users/missing/heartbeat", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("heartbeat missing status=%d", resp.StatusCode)
	}
}

func TestHTTP_StateSnapshot(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t)

	alice := mustCreateUser(t, srv.URL, "alice")

	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/users/"+alice.ID+"/state", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status=%d body=%s", resp.StatusCode, raw)
	}
	var snap struct {
		UserID        string            `json:"userId"`
		Conversations []json.RawMessage `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.UserID != alice.ID || len(snap.Conversations) != 0 {
		t.Fatalf("snapshot: %s", raw)
	}
}

func TestHTTP_ResetUsers(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t)

	mustCreateUser(t, srv.URL, "alice")
	mustCreateUser(t, srv.URL, "bob")

	resp, raw := doJSON(t, http.MethodDelete, srv.URL+"/users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status=%d", resp.StatusCode)
	}
	var out map[string]int
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["removed"] != 2 {
		t.Fatalf("removed=%d want 2", out["removed"])
	}

	_, raw = doJSON(t, http.MethodGet, srv.URL+"/users", nil)
	var listing identity.Listing
	if err := json.Unmarshal(raw, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Users) != 0 {
		t.Fatalf("users left after reset: %d", len(listing.Users))
	}

	// Handles are not reused after a reset.
	carol := mustCreateUser(t, srv.URL, "carol")
	if carol.Handle != "#3" {
		t.Fatalf("handle after reset=%q want #3", carol.Handle)
	}
}

func TestHTTP_HealthzAndMetrics(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t)

	resp, raw := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || string(raw) != "ok\n" {
		t.Fatalf("healthz status=%d body=%q", resp.StatusCode, raw)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d", resp.StatusCode)
	}

	resp, raw = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "murmur_connections_online") {
		t.Fatalf("metrics missing gauge")
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security header missing: %q", got)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{FallbackBackend: "memory", WSOriginRequired: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatalf("expected error for missing origin allowlist")
	}
}

func TestHTTP_ResetClosesSessions(t *testing.T) {
	t.Parallel()
	a, srv := newTestApp(t)

	alice := mustCreateUser(t, srv.URL, "alice")
	bob := mustCreateUser(t, srv.URL, "bob")

	// One polling client and one websocket session.
	if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/users/"+alice.ID+"/heartbeat", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	login, err := v1.New(v1.TypeLogin, "req-1", v1.LoginPayload{UserID: bob.ID}, time.Now().UTC())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, _ := json.Marshal(login)
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write login: %v", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env v1.Envelope
		_ = json.Unmarshal(data, &env)
		if env.Type == v1.TypeOnlineUsersList {
			break
		}
	}

	if got := a.registry.OnlineCount(); got != 2 {
		t.Fatalf("online before reset=%d want 2", got)
	}

	if resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/users", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status=%d", resp.StatusCode)
	}

	var h healthResponse
	_, raw := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if err := json.Unmarshal(raw, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Users != 0 || h.Online != 0 {
		t.Fatalf("health after reset: %+v", h)
	}

	// The server closes bob's socket.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if ctx.Err() != nil {
				t.Fatalf("websocket not closed after reset")
			}
			break
		}
	}
}
