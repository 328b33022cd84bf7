package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/apperr"
	"murmur/cmd/internal/presence"
)

const maxJSONBody = 64 << 10

func registerHTTP(mux *http.ServeMux, a *App) {
	h := &httpAPI{a: a}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", h.readyz)
	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /users", h.listUsers)
	mux.HandleFunc("POST /users", h.createUser)
	mux.HandleFunc("DELETE /users", h.resetUsers)
	mux.HandleFunc("GET /users/search", h.searchUsers)
	mux.HandleFunc("GET /users/{id}", h.getUser)
	mux.HandleFunc("PUT /users/{id}", h.updateUser)
	mux.HandleFunc("GET /users/{id}/presence", h.presenceStatus)
	mux.HandleFunc("POST /users/{id}/heartbeat", h.heartbeat)
	mux.HandleFunc("GET /users/{id}/state", h.state)

	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.Handle("/ws", a.ws)
}

type httpAPI struct {
	a *App
}

func (h *httpAPI) readyz(w http.ResponseWriter, r *http.Request) {
	a := h.a
	if a.cfg.ReadinessRequireDB && a.dbPool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

type healthResponse struct {
	Status          string `json:"status"`
	Users           int    `json:"users"`
	Online          int    `json:"online"`
	Conversations   int    `json:"conversations"`
	PendingRequests int    `json:"pendingRequests"`
}

func (h *httpAPI) health(w http.ResponseWriter, _ *http.Request) {
	a := h.a
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Users:           a.users.Len(),
		Online:          a.registry.OnlineCount(),
		Conversations:   a.convs.Len(),
		PendingRequests: a.friends.PendingCount(),
	})
}

// ---- users ----

func (h *httpAPI) listUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.a.users.List(r.Context()))
}

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

func (h *httpAPI) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	u, err := h.a.users.Register(r.Context(), identity.RegisterInput{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Avatar:      req.Avatar,
	})
	if err != nil {
		// A taken username is a plain bad request on this endpoint.
		if apperr.IsConflict(err) {
			writeError(w, http.StatusBadRequest, apperr.Code(err), apperr.Message(err))
			return
		}
		h.writeAppError(w, err)
		return
	}

	h.a.log.Info("users.register", "user_id", u.ID, "handle", u.Handle)
	writeJSON(w, http.StatusCreated, u)
}

func (h *httpAPI) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.a.users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type updateUserRequest struct {
	Avatar *string `json:"avatar"`
}

func (h *httpAPI) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	id := r.PathValue("id")
	u, err := h.a.users.Update(r.Context(), id, identity.UpdateInput{Avatar: req.Avatar})
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.a.notifier.Changed(r.Context(), u.ID)
	writeJSON(w, http.StatusOK, u)
}

func (h *httpAPI) resetUsers(w http.ResponseWriter, r *http.Request) {
	a := h.a
	ctx := r.Context()

	listing := a.users.List(ctx)
	ids := make([]string, 0, len(listing.Users))
	for _, u := range listing.Users {
		ids = append(ids, u.ID)
	}

	// Sessions of deleted users must not survive the wipe.
	sessions := a.closeSessions()

	a.users.Reset(ctx)
	a.friends.Reset()
	a.convs.Reset()
	a.mirror.Forget(ctx, ids...)

	a.log.Info("users.reset", "removed", len(ids), "sessions_closed", sessions)
	writeJSON(w, http.StatusOK, map[string]int{"removed": len(ids)})
}

func (h *httpAPI) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	users := h.a.users.Search(r.Context(), q.Get("q"), q.Get("exclude"), limit)
	if users == nil {
		users = []identity.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// ---- presence / polling fallback ----

type presenceResponse struct {
	UserID          string          `json:"userId"`
	Status          presence.Status `json:"status"`
	LastHeartbeatAt *time.Time      `json:"lastHeartbeatAt,omitempty"`
	Polling         bool            `json:"polling,omitempty"`
}

func (h *httpAPI) presenceOf(userID string) presenceResponse {
	out := presenceResponse{UserID: userID, Status: h.a.tracker.StatusOf(userID)}
	if rec, ok := h.a.registry.Get(userID); ok {
		ts := rec.LastHeartbeatAt
		out.LastHeartbeatAt = &ts
		out.Polling = presence.IsPollConn(rec.Conn)
	}
	return out
}

func (h *httpAPI) presenceStatus(w http.ResponseWriter, r *http.Request) {
	u, err := h.a.users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.presenceOf(u.ID))
}

// heartbeat keeps a client without a WebSocket online. The first heartbeat
// after being offline announces the user like a login would.
func (h *httpAPI) heartbeat(w http.ResponseWriter, r *http.Request) {
	a := h.a
	u, err := a.users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	if a.tracker.PollHeartbeat(u.ID) {
		a.metrics.SetConnectionsOnline(a.registry.Len())
		a.ws.BroadcastOnline(r.Context(), u.ID)
		a.log.Info("presence.poll.online", "user_id", u.ID)
	}
	writeJSON(w, http.StatusOK, h.presenceOf(u.ID))
}

func (h *httpAPI) state(w http.ResponseWriter, r *http.Request) {
	u, err := h.a.users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	raw, err := h.a.mirror.Load(r.Context(), u.ID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// ---- json helpers ----

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func (h *httpAPI) writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.a.log.Error("http.handler.failed", "err", err)
	}
	writeError(w, status, apperr.Code(err), apperr.Message(err))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}
