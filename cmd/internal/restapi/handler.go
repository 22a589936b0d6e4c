// Package restapi serves the relay's REST surface: signup, login, message
// history and idempotent message persistence.
package restapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"pairline/cmd/identity"
	"pairline/cmd/internal/metrics"
	"pairline/cmd/internal/normalize"
	"pairline/cmd/internal/realtime"
	"pairline/cmd/security/token"
	v1 "pairline/shared/contracts/chat/v1"
)

// Tokens issues and verifies bearer tokens.
type Tokens interface {
	Issue(userID, email string, now time.Time) (string, time.Time, error)
	Verify(raw string) (*token.Claims, error)
}

// Handler implements the REST routes.
type Handler struct {
	log     *slog.Logger
	users   *identity.Service
	tokens  Tokens
	store   realtime.MessageStore
	cfg     Config
	limiter *LimiterStore
	now     func() time.Time
}

// NewHandler wires the REST surface. tokens may be nil, in which case no
// tokens are issued and RequireAuth must be off.
func NewHandler(log *slog.Logger, users *identity.Service, tokens Tokens, store realtime.MessageStore, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if users == nil || store == nil {
		return nil, errors.New("restapi: users and store are required")
	}
	if cfg.RequireAuth && tokens == nil {
		return nil, errors.New("restapi: RequireAuth needs a token manager")
	}
	cfg = cfg.withDefaults()
	return &Handler{
		log:     log,
		users:   users,
		tokens:  tokens,
		store:   store,
		cfg:     cfg,
		limiter: NewLimiterStore(cfg.AuthPerMinute, cfg.AuthBurst),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/signup", h.handleSignup)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/messages", h.handleMessages)
}

// Close stops background work.
func (h *Handler) Close() {
	h.limiter.Stop()
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req v1.SignupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	now := h.now()
	if !h.allowAuth(w, r, "signup", req.Email, now) {
		return
	}

	u, err := h.users.Signup(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		switch {
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "email_taken", "email already registered")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_input", inputMessage(err))
		default:
			h.log.Error("rest.signup.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	h.writeAuth(w, http.StatusCreated, u, now)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req v1.LoginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	now := h.now()
	if !h.allowAuth(w, r, "login", req.Email, now) {
		return
	}

	u, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case identity.IsBadCredentials(err):
			h.log.Info("rest.login.rejected", "email", normalize.Email(req.Email))
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_input", inputMessage(err))
		default:
			h.log.Error("rest.login.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	h.writeAuth(w, http.StatusOK, u, now)
}

func (h *Handler) writeAuth(w http.ResponseWriter, status int, u identity.User, now time.Time) {
	resp := v1.AuthResponse{User: v1.User{ID: u.ID, Email: u.Email, Name: u.Name}}
	if h.tokens != nil {
		tok, _, err := h.tokens.Issue(u.ID, u.Email, now)
		if err != nil {
			h.log.Error("rest.token.issue.fail", "user_id", u.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		resp.Token = tok
	}
	writeJSON(w, status, resp)
}

// allowAuth applies the per-IP and per-email budgets. It writes the 429 itself.
func (h *Handler) allowAuth(w http.ResponseWriter, r *http.Request, surface, email string, now time.Time) bool {
	keys := make([]string, 0, 2)
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		keys = append(keys, surface+":ip:"+ip.String())
	}
	if e := normalize.Email(email); e != "" {
		keys = append(keys, surface+":email:"+e)
	}
	for _, k := range keys {
		if !h.limiter.Allow(k, now) {
			metrics.RelayRateLimitHits.WithLabelValues(surface).Inc()
			writeRateLimited(w, h.limiter.RetryAfter())
			return false
		}
	}
	return true
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleHistory(w, r)
	case http.MethodPost:
		h.handlePersist(w, r)
	default:
		writeMethodNotAllowed(w, "GET, POST")
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authorize(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	user := normalize.Email(q.Get("user"))
	friend := normalize.Email(q.Get("friend"))
	if user == "" || friend == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "user and friend are required")
		return
	}
	if user == friend {
		writeError(w, http.StatusBadRequest, "invalid_input", "user and friend must differ")
		return
	}
	if caller != "" && caller != user {
		writeError(w, http.StatusForbidden, "forbidden", "history belongs to another user")
		return
	}

	out := make([]v1.MessagePayload, 0)
	var after *int64
	for len(out) < h.cfg.MaxHistory {
		res, err := h.store.FetchHistory(r.Context(), realtime.FetchHistoryInput{
			UserA:    user,
			UserB:    friend,
			AfterSeq: after,
			Limit:    h.cfg.MaxHistory - len(out),
		})
		if err != nil {
			h.log.Error("rest.history.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		for _, m := range res.Messages {
			out = append(out, payloadOf(m))
		}
		if !res.HasMore || len(res.Messages) == 0 {
			break
		}
		last := res.Messages[len(res.Messages)-1].Seq
		after = &last
	}

	h.log.Debug("rest.history.ok", "user", user, "friend", friend, "count", len(out))
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePersist(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var p v1.MessagePayload
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}
	if utf8.RuneCountInString(p.Content) > realtime.MaxMessageChars {
		writeError(w, http.StatusBadRequest, "too_long", "message too long")
		return
	}

	from := normalize.Email(p.From)
	to := normalize.Email(p.To)
	if caller != "" && from != caller {
		writeError(w, http.StatusForbidden, "forbidden", "from does not match the authenticated user")
		return
	}
	if from == to {
		writeError(w, http.StatusBadRequest, "bad_payload", "from and to must differ")
		return
	}

	now := h.now()
	id := strings.TrimSpace(p.ID)
	if id == "" {
		var err error
		if id, err = realtime.NewMessageID(now); err != nil {
			h.log.Error("rest.persist.id.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
	}

	res, err := h.store.AppendMessage(r.Context(), realtime.AppendMessageInput{
		ID:      id,
		From:    from,
		To:      to,
		Content: p.Content,
		SentAt:  p.Timestamp,
		Now:     now,
	})
	if err != nil {
		switch {
		case errors.Is(err, realtime.ErrIDConflict):
			writeError(w, http.StatusConflict, "conflict", "message id already used")
		case errors.Is(err, realtime.ErrInvalidMessage):
			writeError(w, http.StatusBadRequest, "bad_payload", "invalid message")
		default:
			h.log.Error("rest.persist.fail", "id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	metrics.RelayMessages.WithLabelValues("rest").Inc()

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, v1.PersistAck{ID: res.Stored.ID, Duplicated: res.Duplicated})
}

// authorize returns the caller's normalized email, or "" for anonymous
// callers when auth is optional. It writes the 401 itself.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw, present := token.BearerToken(r.Header.Get("Authorization"))
	if !present || h.tokens == nil {
		if h.cfg.RequireAuth {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return "", false
		}
		return "", true
	}

	claims, err := h.tokens.Verify(raw)
	if err != nil {
		code := "unauthorized"
		if errors.Is(err, token.ErrExpiredToken) {
			code = "token_expired"
		}
		writeError(w, http.StatusUnauthorized, code, "invalid token")
		return "", false
	}
	return normalize.Email(claims.Email), true
}

func payloadOf(m realtime.StoredMessage) v1.MessagePayload {
	return v1.MessagePayload{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Content:   m.Content,
		Timestamp: m.SentAt,
	}
}

func inputMessage(err error) string {
	var oe identity.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid input"
}
