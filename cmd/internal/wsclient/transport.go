// Package wsclient is the realtime transport of the pairline client.
//
// It speaks the v1 envelope protocol over a single WebSocket (coder/websocket):
// hello/hello_ack on connect, then message envelopes in both directions.
// Each Dial produces an independent handle; chat.Connection owns its lifetime.
package wsclient

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
	"strings"
	"sync"
	"time"

	"pairline/cmd/identity/ids"
	"pairline/cmd/internal/chat"
	v1 "pairline/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes = 1 << 20 // 1MiB

	defaultWriteTimeout  = 5 * time.Second
	defaultPingInterval  = 25 * time.Second
	defaultPingTimeout   = 5 * time.Second
	defaultEventsBuffer  = 64
	maxPingFailures      = 3
	closeGrace           = 2 * time.Second
	handshakeMaxMessages = 8
)

// Options configures the transport. Zero values fall back to defaults.
type Options struct {
	// URL is the full ws:// or wss:// endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL    string
	Origin string

	WriteTimeout time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	EventsBuffer int

	HTTPClient *http.Client
}

// Transport dials realtime handles. It implements chat.Transport.
type Transport struct {
	opts Options
	log  *slog.Logger
}

// New validates opts and returns a transport.
func New(opts Options, log *slog.Logger) (*Transport, error) {
	if err := validateWSURL(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid ws url: %w", err)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.EventsBuffer <= 0 {
		opts.EventsBuffer = defaultEventsBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{opts: opts, log: log}, nil
}

// EndpointURL derives the realtime endpoint from the shared REST base URL:
// http→ws, https→wss, path + "/ws".
func EndpointURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dial connects, performs the hello handshake, and starts the read loop.
// ctx bounds only the handshake.
func (t *Transport) Dial(ctx context.Context, s chat.Session) (chat.Handle, error) {
	h := http.Header{}
	if strings.TrimSpace(t.opts.Origin) != "" {
		h.Set("Origin", t.opts.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, t.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   t.opts.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.log.Info("ws.dial.fail", "url", t.opts.URL, "err", err)
		return nil, fmt.Errorf("dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("server selected subprotocol %q, want %q", sp, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	ack, err := t.handshake(ctx, conn, s)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.Background())
	hd := &handle{
		conn:      conn,
		log:       t.log.With("session_id", ack.SessionID),
		opts:      t.opts,
		events:    make(chan chat.Message, t.opts.EventsBuffer),
		ctx:       hctx,
		cancel:    cancel,
		readDone:  make(chan struct{}),
		pingDone:  make(chan struct{}),
		sessionID: ack.SessionID,
	}
	go hd.readLoop()
	go hd.heartbeat()

	t.log.Info("ws.connected", "session_id", ack.SessionID, "user_id", ack.UserID)
	return hd, nil
}

func (t *Transport) handshake(ctx context.Context, conn *websocket.Conn, s chat.Session) (v1.HelloAckPayload, error) {
	hello, err := newEnvelope(v1.TypeHello, v1.HelloPayload{Token: s.AuthToken})
	if err != nil {
		return v1.HelloAckPayload{}, err
	}
	if err := writeEnvelope(ctx, conn, hello, t.opts.WriteTimeout); err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("write hello: %w", err)
	}

	for i := 0; i < handshakeMaxMessages; i++ {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return v1.HelloAckPayload{}, fmt.Errorf("read hello_ack: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var p v1.HelloAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return v1.HelloAckPayload{}, fmt.Errorf("decode hello_ack: %w", err)
			}
			if strings.TrimSpace(p.SessionID) == "" {
				return v1.HelloAckPayload{}, errors.New("hello_ack missing session_id")
			}
			return p, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.HelloAckPayload{}, fmt.Errorf("hello rejected: %s: %s", p.Code, p.Message)
		}
	}
	return v1.HelloAckPayload{}, errors.New("no hello_ack received")
}

// handle is one live connection. It implements chat.Handle.
type handle struct {
	conn      *websocket.Conn
	log       *slog.Logger
	opts      Options
	events    chan chat.Message
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	readDone chan struct{}
	pingDone chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	closing bool
	err     error
}

func (h *handle) Events() <-chan chat.Message { return h.events }

func (h *handle) Emit(ctx context.Context, m chat.Message) error {
	p := m.Payload()
	if err := p.Validate(); err != nil {
		return err
	}
	env, err := newEnvelope(v1.TypeMessage, p)
	if err != nil {
		return err
	}

	select {
	case <-h.ctx.Done():
		return net.ErrClosed
	default:
	}
	if err := writeEnvelope(ctx, h.conn, env, h.opts.WriteTimeout); err != nil {
		h.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
		return err
	}
	return nil
}

// Close performs the close handshake and waits for the read loop to finish.
func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closing = true
		h.mu.Unlock()

		err = h.conn.Close(websocket.StatusNormalClosure, "bye")
		h.cancel()

		select {
		case <-h.readDone:
		case <-time.After(closeGrace):
			h.log.Warn("ws.close.read_loop_slow")
		}
		<-h.pingDone

		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// Err reports why the stream ended on its own; nil after Close.
func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil
	}
	return h.err
}

func (h *handle) fail(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}

func (h *handle) readLoop() {
	defer close(h.readDone)
	defer close(h.events)
	defer func() {
		h.cancel()
		h.mu.Lock()
		closing := h.closing
		h.mu.Unlock()
		if !closing {
			_ = h.conn.CloseNow()
		}
	}()

	for {
		env, err := readEnvelope(h.ctx, h.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				h.log.Info("ws.read.bad_json", "err", err)
				continue
			case readErrClose:
				h.fail(fmt.Errorf("closed by server: %w", err))
			default:
				h.fail(err)
			}
			return
		}

		switch env.Type {
		case v1.TypeMessage:
			var p v1.MessagePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				h.log.Info("ws.message.bad_payload", "err", err)
				continue
			}
			if err := p.Validate(); err != nil {
				h.log.Info("ws.message.invalid", "err", err)
				continue
			}
			select {
			case h.events <- chat.MessageFromPayload(p):
			case <-h.ctx.Done():
				return
			}

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			h.log.Warn("ws.server.error", "code", p.Code, "message", p.Message)

		default:
			h.log.Debug("ws.read.ignored", "type", env.Type)
		}
	}
}

func (h *handle) heartbeat() {
	defer close(h.pingDone)

	t := time.NewTicker(h.opts.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(h.ctx, h.opts.PingTimeout)
			err := h.conn.Ping(ctx)
			cancel()

			if err != nil {
				if h.ctx.Err() != nil {
					return
				}
				failures++
				h.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					h.fail(fmt.Errorf("heartbeat failed: %w", err))
					_ = h.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.NewEnvelope(typ, id, now, payload)
}

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

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "bad envelope: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }

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
	var bad *badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}
