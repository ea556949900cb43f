// Package authapi exposes the REST surface of the relay core: registration,
// the dual-token authentication lifecycle, the user directory, message
// append/list, and push subscription management.
//
// Every bearer-gated endpoint collapses all credential failures into one
// uniform 401 response.
package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"neontalk/cmd/internal/auth/token"
	"neontalk/cmd/internal/store"
)

// Notifier is invoked after a message record is durably appended. It must
// not block the request path for long; the handler calls it on its own
// goroutine with a detached context.
type Notifier interface {
	NotifyMessageStored(ctx context.Context, msg store.Message)
}

// Handler wires HTTP endpoints to the durable store and token service.
type Handler struct {
	log *slog.Logger
	cfg Config

	store    store.Store
	tokens   token.Manager
	tokenCfg token.Config

	notifier Notifier
}

// NewHandler constructs the request gateway.
func NewHandler(log *slog.Logger, cfg Config, st store.Store, tokens token.Manager, tokenCfg token.Config, notifier Notifier) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if st == nil {
		return nil, errors.New("authapi: nil store")
	}
	if tokens == nil {
		return nil, errors.New("authapi: nil token manager")
	}

	return &Handler{
		log:      log,
		cfg:      cfg,
		store:    st,
		tokens:   tokens,
		tokenCfg: tokenCfg,
		notifier: notifier,
	}, nil
}

// Register wires the REST routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("POST /api/refresh", h.handleRefresh)
	mux.HandleFunc("GET /api/me", h.handleMe)
	mux.HandleFunc("GET /api/users", h.handleUsers)
	mux.HandleFunc("GET /api/users/{id}/key", h.handleUserKey)
	mux.HandleFunc("GET /api/messages/{peer}", h.handleListMessages)
	mux.HandleFunc("POST /api/messages", h.handlePostMessage)
	mux.HandleFunc("POST /api/push/subscribe", h.handlePushSubscribe)
	mux.HandleFunc("GET /api/push/vapid-public", h.handleVAPIDPublic)
}

// ---- auth lifecycle ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	phone := strings.TrimSpace(req.Phone)
	displayName := strings.TrimSpace(req.DisplayName)
	publicKey := strings.TrimSpace(req.PublicKey)
	if len(phone) < 5 || displayName == "" || len(displayName) > 50 || len(publicKey) < 32 {
		writeError(w, http.StatusBadRequest, "invalid_request", "phone, display_name and public_key are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	// Existing phone: treat as login rather than conflict.
	existing, err := h.store.FindUserByPhone(ctx, phone)
	switch {
	case err == nil:
		h.respondWithSession(w, ctx, now, existing)
		return
	case !errors.Is(err, store.ErrNotFound):
		h.log.Error("api.register.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	user, err := h.store.CreateUser(ctx, phone, displayName, publicKey, now)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with a concurrent registration for the same phone.
		if user, err = h.store.FindUserByPhone(ctx, phone); err != nil {
			writeError(w, http.StatusConflict, "phone_taken", "phone already registered")
			return
		}
	} else if err != nil {
		h.log.Error("api.register.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	h.log.Info("api.register", "user_id", user.ID)
	h.respondWithSession(w, ctx, now, user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	phone := strings.TrimSpace(req.Phone)
	if len(phone) < 5 {
		writeError(w, http.StatusBadRequest, "invalid_request", "phone is required")
		return
	}

	ctx := r.Context()
	user, err := h.store.FindUserByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}
	if err != nil {
		h.log.Error("api.login.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	h.respondWithSession(w, ctx, time.Now().UTC(), user)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	refresh := strings.TrimSpace(req.RefreshToken)
	if refresh == "" || len(refresh) > 4096 {
		writeUnauthenticated(w)
		return
	}

	ctx := r.Context()
	sess, err := h.store.FindSessionByToken(ctx, refresh)
	if errors.Is(err, store.ErrNotFound) {
		writeUnauthenticated(w)
		return
	}
	if err != nil {
		h.log.Error("api.refresh.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	access, exp, err := h.tokens.Issue(sess.UserID, time.Now().UTC())
	if err != nil {
		h.log.Error("api.refresh.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "token_issue_failed", "please retry later")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: access, AccessExpiresAt: exp})
}

// respondWithSession persists a fresh refresh-token session and returns the
// dual-token pair. Re-login creates an additional session; prior sessions
// stay valid (no revocation path).
func (h *Handler) respondWithSession(w http.ResponseWriter, ctx context.Context, now time.Time, user store.User) {
	sess, err := h.issueSession(ctx, now, user.ID)
	if err != nil {
		h.log.Error("api.session.issue.fail", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "session_issue_failed", "please retry later")
		return
	}

	access, exp, err := h.tokens.Issue(user.ID, now)
	if err != nil {
		h.log.Error("api.access.issue.fail", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "token_issue_failed", "please retry later")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		User: toUserResponse(user),
		Session: sessionResponse{
			AccessToken:     access,
			AccessExpiresAt: exp,
			RefreshToken:    sess.Token,
		},
	})
}

// issueSession generates an opaque refresh token and persists it. The store's
// uniqueness constraint is authoritative; a (vanishingly unlikely) collision
// is retried with fresh entropy.
func (h *Handler) issueSession(ctx context.Context, now time.Time, userID string) (store.Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		refresh, err := token.NewRefreshToken(h.tokenCfg.RefreshTokenBytes)
		if err != nil {
			return store.Session{}, err
		}

		sess, err := h.store.CreateSession(ctx, userID, refresh, now)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return store.Session{}, err
		}
		return sess, nil
	}
	return store.Session{}, store.ErrConflict
}

// ---- bearer-gated endpoints ----

// authenticate extracts and verifies the bearer access token.
// All failures are uniform "unauthenticated"; the caller writes the 401.
func (h *Handler) authenticate(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}

	claims, err := h.tokens.Verify(strings.TrimSpace(auth[len(prefix):]), time.Now().UTC())
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}

	user, err := h.store.FindUserByID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeUnauthenticated(w)
		return
	}
	if err != nil {
		h.log.Error("api.me.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(user)})
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(r); !ok {
		writeUnauthenticated(w)
		return
	}

	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.log.Error("api.users.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	out := usersResponse{Users: make([]userResponse, 0, len(users))}
	for _, u := range users {
		out.Users = append(out.Users, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUserKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(r); !ok {
		writeUnauthenticated(w)
		return
	}

	user, err := h.store.FindUserByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}
	if err != nil {
		h.log.Error("api.user_key.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	writeJSON(w, http.StatusOK, keyResponse{PublicKey: user.PublicKey})
}

// ---- messages ----

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), userID, r.PathValue("peer"))
	if err != nil {
		h.log.Error("api.messages.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	out := messagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}

	var req postMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	recipient := strings.TrimSpace(req.RecipientID)
	if recipient == "" || req.Ciphertext == "" || req.Nonce == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "recipient_id, ciphertext and nonce are required")
		return
	}

	ctx := r.Context()
	if _, err := h.store.FindUserByID(ctx, recipient); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user_not_found", "recipient not found")
			return
		}
		h.log.Error("api.message.recipient.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	msg, err := h.store.AppendMessage(ctx, store.AppendMessageInput{
		SenderID:    userID,
		RecipientID: recipient,
		Ciphertext:  req.Ciphertext,
		Nonce:       req.Nonce,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("api.message.append.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	// Live relay + push wake run off the request path; a slow recipient or
	// push endpoint never delays the sender's response.
	if h.notifier != nil {
		go h.notifier.NotifyMessageStored(context.WithoutCancel(ctx), msg)
	}

	writeJSON(w, http.StatusOK, postMessageResponse{Message: toMessageResponse(msg)})
}

// ---- push ----

func (h *Handler) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}

	var req subscribeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "endpoint and keys are required")
		return
	}

	err := h.store.UpsertPushSubscription(r.Context(), store.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		Keys:     req.Keys,
	})
	if err != nil {
		h.log.Error("api.push.subscribe.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "please retry later")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVAPIDPublic(w http.ResponseWriter, _ *http.Request) {
	if h.cfg.VAPIDPublicKey == "" {
		writeError(w, http.StatusNotFound, "push_disabled", "push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, vapidResponse{Key: h.cfg.VAPIDPublicKey})
}
