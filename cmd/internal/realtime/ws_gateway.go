package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"pairline/cmd/internal/metrics"
	"pairline/cmd/internal/normalize"
	v1 "pairline/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Authenticator resolves a hello token to the user id it was issued for.
type Authenticator interface {
	Authenticate(token string) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(token string) (string, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(token string) (string, error) { return f(token) }

// wsError is reported to the client as an error envelope.
type wsError struct {
	Code string
	Msg  string
}

func (e *wsError) Error() string { return e.Code + ": " + e.Msg }

func newWSError(code, format string, args ...any) *wsError {
	return &wsError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WSGateway is the relay's WebSocket endpoint.
//
// Each connection greets with hello, is attached to the Hub, and may then
// emit message envelopes. Accepted messages are stored (idempotent by id)
// and broadcast to every attached client.
type WSGateway struct {
	log   *slog.Logger
	hub   *Hub
	store MessageStore
	auth  Authenticator
	cfg   GatewayConfig

	// Derived for websocket.Accept, which authorizes cross-origin requests
	// only for hosts listed in OriginPatterns.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway. Nil hub/store fall back to in-memory
// implementations. auth may be nil when cfg.RequireAuth is false.
func NewWSGateway(log *slog.Logger, hub *Hub, store MessageStore, auth Authenticator, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	cfg = cfg.withDefaults()
	if cfg.RequireAuth && auth == nil {
		log.Warn("ws.config.auth_missing", "msg", "auth required but no authenticator configured; every hello will be rejected")
	}

	return &WSGateway{
		log:            log,
		hub:            hub,
		store:          store,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Hub returns the gateway's hub.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP upgrades the request and runs the session until either side closes.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := g.greet(ctx, conn)
	if err != nil {
		g.log.Info("ws.hello.fail", "remote", r.RemoteAddr, "err", err)
		var we *wsError
		if errors.As(err, &we) {
			g.writeErrorNow(ctx, conn, we)
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}
	sessionID := client.SessionID
	g.hub.Attach(client)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Detach(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, newWSError("bad_json", "invalid JSON"))
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now()
		if !rl.Allow(now) {
			metrics.RelayRateLimitHits.WithLabelValues("ws").Inc()
			g.writeErrorNow(ctx, conn, newWSError("rate_limited", "too many events"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		switch env.Type {
		case v1.TypeMessage:
			if err := g.onMessage(ctx, client, env, now); err != nil {
				g.log.Info("ws.message.reject", "session_id", sessionID, "err", err)
				g.trySendError(client, asWSError(err))
			}
		case v1.TypeHello:
			g.trySendError(client, newWSError("already_greeted", "hello already received"))
		default:
			g.trySendError(client, newWSError("unsupported", "unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// greet reads the hello, authenticates it and answers with hello_ack.
// It runs before the writer goroutine starts, so it writes directly.
func (g *WSGateway) greet(parent context.Context, conn *websocket.Conn) (*Client, error) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		var bj *badJSONError
		if errors.As(err, &bj) {
			return nil, newWSError("bad_json", "invalid JSON")
		}
		return nil, err
	}
	if env.Type != v1.TypeHello {
		return nil, newWSError("hello_required", "first envelope must be hello")
	}

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, newWSError("bad_payload", "invalid hello payload")
		}
	}

	userID, err := g.authenticate(strings.TrimSpace(p.Token))
	if err != nil {
		return nil, err
	}

	now := g.now()
	sessionID, err := NewSessionID(now)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	client := NewClient(userID, sessionID, g.cfg.SendQueueSize)

	ack, err := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sessionID, UserID: userID}, now)
	if err != nil {
		return nil, err
	}
	if err := writeEnvelope(ctx, conn, ack, g.cfg.WriteTimeout); err != nil {
		return nil, fmt.Errorf("hello_ack: %w", err)
	}
	return client, nil
}

func (g *WSGateway) authenticate(token string) (string, error) {
	if token == "" {
		if g.cfg.RequireAuth {
			return "", newWSError("unauthorized", "token required")
		}
		return "", nil
	}
	if g.auth == nil {
		if g.cfg.RequireAuth {
			return "", newWSError("unauthorized", "authentication unavailable")
		}
		// Tokens are meaningless without an authenticator; treat as anonymous.
		return "", nil
	}
	userID, err := g.auth.Authenticate(token)
	if err != nil {
		return "", newWSError("unauthorized", "invalid token")
	}
	return normalize.Email(userID), nil
}

func (g *WSGateway) onMessage(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return newWSError("bad_payload", "invalid message payload")
	}
	if err := p.Validate(); err != nil {
		return newWSError("bad_payload", "%v", err)
	}
	if n := utf8.RuneCountInString(p.Content); n > MaxMessageChars {
		return newWSError("too_long", "message too long: max=%d chars", MaxMessageChars)
	}

	from := normalize.Email(p.From)
	to := normalize.Email(p.To)
	if client.UserID != "" && from != client.UserID {
		return newWSError("forbidden", "from does not match the authenticated user")
	}
	if from == to {
		return newWSError("bad_payload", "from and to must differ")
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		var err error
		if id, err = NewMessageID(now); err != nil {
			return err
		}
	}

	res, err := g.store.AppendMessage(ctx, AppendMessageInput{
		ID:      id,
		From:    from,
		To:      to,
		Content: p.Content,
		SentAt:  p.Timestamp,
		Now:     now,
	})
	if err != nil {
		return err
	}
	metrics.RelayMessages.WithLabelValues("ws").Inc()

	st := res.Stored
	out, err := newEnvelope(v1.TypeMessage, v1.MessagePayload{
		ID:        st.ID,
		From:      st.From,
		To:        st.To,
		Content:   st.Content,
		Timestamp: st.SentAt,
	}, now)
	if err != nil {
		return err
	}

	skip := ""
	if !g.cfg.EchoToSender {
		skip = client.SessionID
	}
	n := g.hub.Broadcast(out, skip)
	g.log.Debug("ws.message.relay", "session_id", client.SessionID, "id", st.ID, "duplicated", res.Duplicated, "recipients", n)
	return nil
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				continue
			}
			failures++
			g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
			if failures >= wsMaxPingFailures {
				shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// ---- send helpers ----

func asWSError(err error) *wsError {
	var we *wsError
	switch {
	case errors.As(err, &we):
		return we
	case errors.Is(err, ErrIDConflict):
		return newWSError("conflict", "message id already used")
	case errors.Is(err, ErrInvalidMessage):
		return newWSError("bad_payload", "invalid message")
	default:
		return newWSError("internal", "message not stored")
	}
}

func (g *WSGateway) trySendError(client *Client, we *wsError) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: we.Code, Message: we.Msg}, g.now())
	if err != nil {
		return
	}
	_ = client.offer(env)
}

func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, we *wsError) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: we.Code, Message: we.Msg}, g.now())
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any, now time.Time) (v1.Envelope, error) {
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.NewEnvelope(typ, id, now, payload)
}

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "bad envelope: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj *badJSONError
	switch {
	case errors.As(err, &bj):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, 2*len(allowed))
	for _, a := range allowed {
		if h := originHostOnly(a); h != "" && h != "*" {
			// Accept matches patterns against host[:port].
			seen[h] = struct{}{}
			seen[h+":*"] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
