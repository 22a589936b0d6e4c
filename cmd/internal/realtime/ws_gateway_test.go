package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	v1 "pairline/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

type wsTestPeer struct {
	t    *testing.T
	conn *websocket.Conn
	ack  v1.HelloAckPayload
}

func startGateway(t *testing.T, auth Authenticator, mutate func(*GatewayConfig)) (*httptest.Server, *WSGateway, *InMemoryStore) {
	t.Helper()

	cfg := DefaultGatewayConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	st := NewInMemoryStore()
	gw := NewWSGateway(quietLogger(), NewHub(quietLogger()), st, auth, cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, gw, st
}

func dialGateway(t *testing.T, ts *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := newEnvelope(typ, payload, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := writeEnvelope(ctx, conn, env, time.Second); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := readEnvelope(ctx, conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return out
}

func connectPeer(t *testing.T, ts *httptest.Server, token string) *wsTestPeer {
	t.Helper()

	conn, _, err := dialGateway(t, ts, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	send(t, conn, v1.TypeHello, v1.HelloPayload{Token: token})
	env := recv(t, conn)
	if env.Type != v1.TypeHelloAck {
		t.Fatalf("expected hello_ack, got %s (%s)", env.Type, env.Payload)
	}
	return &wsTestPeer{t: t, conn: conn, ack: decode[v1.HelloAckPayload](t, env)}
}

func waitAttached(t *testing.T, gw *WSGateway, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for gw.Hub().Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("attached=%d want %d", gw.Hub().Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var tokens = AuthenticatorFunc(func(tok string) (string, error) {
	switch tok {
	case "tok-a":
		return "A@x.com", nil
	case "tok-b":
		return "b@x.com", nil
	}
	return "", errors.New("bad token")
})

func TestGateway_RelaysToEveryClient(t *testing.T) {
	t.Parallel()

	ts, gw, st := startGateway(t, tokens, nil)
	a := connectPeer(t, ts, "tok-a")
	b := connectPeer(t, ts, "tok-b")
	waitAttached(t, gw, 2)

	if a.ack.UserID != "a@x.com" || a.ack.SessionID == "" || a.ack.SessionID == b.ack.SessionID {
		t.Fatalf("acks a=%+v b=%+v", a.ack, b.ack)
	}

	sent := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	send(t, a.conn, v1.TypeMessage, v1.MessagePayload{ID: "m1", From: "A@x.com ", To: "B@x.com", Content: "hi", Timestamp: sent})

	for name, p := range map[string]*wsTestPeer{"recipient": b, "sender echo": a} {
		env := recv(t, p.conn)
		if env.Type != v1.TypeMessage {
			t.Fatalf("%s: type=%s payload=%s", name, env.Type, env.Payload)
		}
		m := decode[v1.MessagePayload](t, env)
		if m.ID != "m1" || m.From != "a@x.com" || m.To != "b@x.com" || m.Content != "hi" || !m.Timestamp.Equal(sent) {
			t.Fatalf("%s: %+v", name, m)
		}
	}

	hist, err := st.FetchHistory(context.Background(), FetchHistoryInput{UserA: "a@x.com", UserB: "b@x.com"})
	if err != nil || len(hist.Messages) != 1 {
		t.Fatalf("history=%+v err=%v", hist, err)
	}
}

func TestGateway_NoEchoToSender(t *testing.T) {
	t.Parallel()

	ts, gw, _ := startGateway(t, nil, func(c *GatewayConfig) { c.EchoToSender = false })
	a := connectPeer(t, ts, "")
	b := connectPeer(t, ts, "")
	waitAttached(t, gw, 2)

	send(t, a.conn, v1.TypeMessage, v1.MessagePayload{ID: "m1", From: "a@x.com", To: "b@x.com", Content: "one"})
	if m := decode[v1.MessagePayload](t, recv(t, b.conn)); m.ID != "m1" {
		t.Fatalf("b got %+v", m)
	}

	// Anything a receives next must be b's message, not an echo of its own.
	send(t, b.conn, v1.TypeMessage, v1.MessagePayload{ID: "m2", From: "b@x.com", To: "a@x.com", Content: "two"})
	if m := decode[v1.MessagePayload](t, recv(t, a.conn)); m.ID != "m2" {
		t.Fatalf("a got %+v", m)
	}
}

func TestGateway_HelloAuth(t *testing.T) {
	t.Parallel()

	ts, _, _ := startGateway(t, tokens, func(c *GatewayConfig) { c.RequireAuth = true })

	for _, tok := range []string{"", "forged"} {
		conn, _, err := dialGateway(t, ts, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		send(t, conn, v1.TypeHello, v1.HelloPayload{Token: tok})
		env := recv(t, conn)
		if env.Type != v1.TypeError || decode[v1.ErrorPayload](t, env).Code != "unauthorized" {
			t.Fatalf("token %q: got %s %s", tok, env.Type, env.Payload)
		}
		_ = conn.CloseNow()
	}

	connectPeer(t, ts, "tok-b")
}

func TestGateway_HelloRequiredFirst(t *testing.T) {
	t.Parallel()

	ts, _, _ := startGateway(t, nil, nil)
	conn, _, err := dialGateway(t, ts, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	send(t, conn, v1.TypeMessage, v1.MessagePayload{ID: "m1", From: "a@x.com", To: "b@x.com", Content: "hi"})
	env := recv(t, conn)
	if env.Type != v1.TypeError || decode[v1.ErrorPayload](t, env).Code != "hello_required" {
		t.Fatalf("got %s %s", env.Type, env.Payload)
	}
}

func TestGateway_RejectsBadMessages(t *testing.T) {
	t.Parallel()

	ts, _, _ := startGateway(t, tokens, nil)
	a := connectPeer(t, ts, "tok-a")

	cases := []struct {
		name string
		p    v1.MessagePayload
		code string
	}{
		{"spoofed sender", v1.MessagePayload{ID: "m1", From: "b@x.com", To: "a@x.com", Content: "x"}, "forbidden"},
		{"blank content", v1.MessagePayload{ID: "m2", From: "a@x.com", To: "b@x.com", Content: "  "}, "bad_payload"},
		{"self", v1.MessagePayload{ID: "m3", From: "a@x.com", To: "a@x.com", Content: "x"}, "bad_payload"},
		{"too long", v1.MessagePayload{ID: "m4", From: "a@x.com", To: "b@x.com", Content: strings.Repeat("x", MaxMessageChars+1)}, "too_long"},
	}
	for _, tc := range cases {
		send(t, a.conn, v1.TypeMessage, tc.p)
		env := recv(t, a.conn)
		if env.Type != v1.TypeError {
			t.Fatalf("%s: type=%s", tc.name, env.Type)
		}
		if got := decode[v1.ErrorPayload](t, env).Code; got != tc.code {
			t.Fatalf("%s: code=%s want %s", tc.name, got, tc.code)
		}
	}

	// The connection survives rejected messages.
	send(t, a.conn, v1.TypeMessage, v1.MessagePayload{ID: "ok", From: "a@x.com", To: "b@x.com", Content: "fine"})
	if env := recv(t, a.conn); env.Type != v1.TypeMessage {
		t.Fatalf("expected echo, got %s %s", env.Type, env.Payload)
	}
}

func TestGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	ts, gw, _ := startGateway(t, nil, func(c *GatewayConfig) {
		c.RateEvents = 2
		c.RateWindow = time.Hour
	})
	a := connectPeer(t, ts, "")
	waitAttached(t, gw, 1)

	for i := 0; i < 3; i++ {
		send(t, a.conn, v1.TypeHello, v1.HelloPayload{})
	}

	var codes []string
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		env, err := readEnvelope(ctx, a.conn)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v err=%v", websocket.CloseStatus(err), err)
			}
			break
		}
		codes = append(codes, decode[v1.ErrorPayload](t, env).Code)
	}
	if !slices.Contains(codes, "rate_limited") {
		t.Fatalf("codes=%v", codes)
	}
	waitAttached(t, gw, 0)
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	ts, _, _ := startGateway(t, nil, func(c *GatewayConfig) {
		c.OriginRequired = true
		c.AllowedOrigins = []string{"http://localhost:3000"}
	})

	if _, resp, err := dialGateway(t, ts, nil); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing origin: resp=%v err=%v", resp, err)
	}
	if _, resp, err := dialGateway(t, ts, http.Header{"Origin": {"http://evil.example"}}); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin: resp=%v err=%v", resp, err)
	}
	conn, _, err := dialGateway(t, ts, http.Header{"Origin": {"http://localhost:5173"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = conn.CloseNow()
}

func TestGatewayConfigFromEnv(t *testing.T) {
	t.Setenv("PAIRLINE_RELAY_REQUIRE_AUTH", "true")
	t.Setenv("PAIRLINE_RELAY_ECHO", "false")
	t.Setenv("PAIRLINE_WS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PAIRLINE_WS_RATE_EVENTS", "-1")
	t.Setenv("PAIRLINE_WS_HEARTBEAT_INTERVAL", "7s")

	c := GatewayConfigFromEnv()
	if !c.RequireAuth || c.EchoToSender {
		t.Fatalf("flags=%+v", c)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", c.AllowedOrigins)
	}
	if c.RateEvents != rateLimitEvents || c.HeartbeatEvery != 7*time.Second {
		t.Fatalf("rate=%d hb=%v", c.RateEvents, c.HeartbeatEvery)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{"http://LocalHost:3000", "http://127.0.0.1", "localhost:8080", "*", ""})
	want := []string{"127.0.0.1", "127.0.0.1:*", "localhost", "localhost:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want %v", got, want)
	}
}
