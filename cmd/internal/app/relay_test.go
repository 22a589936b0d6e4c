package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pairline/cmd/identity"
	"pairline/cmd/internal/chat"
	"pairline/cmd/internal/realtime"
	"pairline/cmd/internal/restapi"
	"pairline/cmd/internal/restclient"
	"pairline/cmd/internal/wsclient"
	"pairline/cmd/security/password"
	"pairline/cmd/security/token"
)

const testPassword = "tea-and-toast"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cheapPasswords() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

type testRelay struct {
	relay *Relay
	srv   *httptest.Server
}

func startTestRelay(t *testing.T, mutate func(*RelayConfig)) *testRelay {
	t.Helper()

	cfg := RelayConfig{
		Gateway: realtime.DefaultGatewayConfig(),
		REST:    restapi.DefaultConfig(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tokens, err := token.NewManager([]byte(strings.Repeat("r", token.MinSecretBytes)), time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	r, err := newRelay(cfg, quietLogger(), relayDeps{
		users:     identity.NewMemoryStore(),
		msgs:      realtime.NewInMemoryStore(),
		passwords: cheapPasswords(),
		tokens:    tokens,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		r.Close()
	})
	return &testRelay{relay: r, srv: srv}
}

func (tr *testRelay) attached() int { return tr.relay.ws.Hub().Len() }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// alertSink is a chat.Listener that only records alerts.
type alertSink struct {
	chat.NopListener
	mu     sync.Mutex
	alerts []error
}

func (a *alertSink) Alert(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, err)
}

func (a *alertSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type peer struct {
	svc    *chat.Service
	alerts *alertSink
}

func newPeer(t *testing.T, tr *testRelay, email string) *peer {
	t.Helper()

	rest, err := restclient.New(tr.srv.URL, nil, quietLogger())
	if err != nil {
		t.Fatalf("restclient: %v", err)
	}
	wsURL, err := wsclient.EndpointURL(tr.srv.URL)
	if err != nil {
		t.Fatalf("ws url: %v", err)
	}
	transport, err := wsclient.New(wsclient.Options{URL: wsURL}, quietLogger())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}

	sess, err := rest.Signup(context.Background(), "", email, testPassword)
	if err != nil {
		t.Fatalf("signup %s: %v", email, err)
	}

	alerts := &alertSink{}
	svc := chat.NewService(rest, rest, transport, chat.WithLogger(quietLogger()), chat.WithListener(alerts))
	t.Cleanup(func() { _ = svc.Close() })
	if err := svc.SignIn(sess); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	return &peer{svc: svc, alerts: alerts}
}

func contents(msgs []chat.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "|")
}

func TestRelay_HealthReadyMetrics(t *testing.T) {
	t.Parallel()

	tr := startTestRelay(t, nil)
	get := func(path string) (int, string) {
		resp, err := http.Get(tr.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz=%d %q", code, body)
	}
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Fatalf("readyz=%d", code)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "pairline_http_requests_total") {
		t.Fatalf("metrics=%d (pairline series missing)", code)
	}

	strict := startTestRelay(t, func(c *RelayConfig) { c.ReadinessRequireDB = true })
	resp, err := http.Get(strict.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz without db=%d want 503", resp.StatusCode)
	}
}

func TestRelay_ConversationEndToEnd(t *testing.T) {
	t.Parallel()

	tr := startTestRelay(t, nil)
	ctx := context.Background()

	alice := newPeer(t, tr, "alice@x.com")
	bob := newPeer(t, tr, "bob@x.com")
	carol := newPeer(t, tr, "carol@x.com")

	if err := alice.svc.Open(ctx, "bob@x.com"); err != nil {
		t.Fatalf("alice open: %v", err)
	}
	if err := bob.svc.Open(ctx, "Alice@x.com"); err != nil {
		t.Fatalf("bob open: %v", err)
	}
	if err := carol.svc.Open(ctx, "bob@x.com"); err != nil {
		t.Fatalf("carol open: %v", err)
	}
	waitFor(t, "three attached clients", func() bool { return tr.attached() == 3 })

	m, err := alice.svc.Send(ctx, "hi bob")
	if err != nil || m.State != chat.Confirmed {
		t.Fatalf("alice send=%+v err=%v", m, err)
	}
	waitFor(t, "bob receives hi", func() bool { return contents(bob.svc.Messages()) == "hi bob" })

	// carol's message is relayed to bob's client but belongs to another conversation
	if _, err := carol.svc.Send(ctx, "psst"); err != nil {
		t.Fatalf("carol send: %v", err)
	}
	if _, err := bob.svc.Send(ctx, "hey alice"); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	waitFor(t, "alice receives the reply", func() bool { return len(alice.svc.Messages()) == 2 })

	// alice's own echo arrived before bob's reply and confirmed in place
	got := alice.svc.Messages()
	if contents(got) != "hi bob|hey alice" {
		t.Fatalf("alice log=%q", contents(got))
	}
	for _, m := range got {
		if m.State != chat.Confirmed {
			t.Fatalf("alice entry %q state=%v", m.Content, m.State)
		}
	}
	if c := contents(bob.svc.Messages()); c != "hi bob|hey alice" {
		t.Fatalf("bob log=%q", c)
	}

	// reopening reloads the pair history from the relay in store order
	bob.svc.Leave()
	if err := bob.svc.Open(ctx, "alice@x.com"); err != nil {
		t.Fatalf("bob reopen: %v", err)
	}
	if c := contents(bob.svc.Messages()); c != "hi bob|hey alice" {
		t.Fatalf("bob history=%q", c)
	}
	if n := alice.alerts.count() + bob.alerts.count() + carol.alerts.count(); n != 0 {
		t.Fatalf("unexpected alerts: %d", n)
	}
}

func TestRelay_RequireAuthRejectsAnonymousTransport(t *testing.T) {
	t.Parallel()

	tr := startTestRelay(t, func(c *RelayConfig) {
		c.Gateway.RequireAuth = true
		c.REST.RequireAuth = true
	})

	rest, err := restclient.New(tr.srv.URL, nil, quietLogger())
	if err != nil {
		t.Fatalf("restclient: %v", err)
	}
	sess, err := rest.Signup(context.Background(), "", "dan@x.com", testPassword)
	if err != nil {
		t.Fatalf("signup: %v", err)
	}

	wsURL, _ := wsclient.EndpointURL(tr.srv.URL)
	transport, _ := wsclient.New(wsclient.Options{URL: wsURL}, quietLogger())

	anon := sess
	anon.AuthToken = ""
	if _, err := transport.Dial(context.Background(), anon); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("anonymous dial err=%v", err)
	}
	if _, err := rest.FetchHistory(context.Background(), anon, "eve@x.com"); err == nil {
		t.Fatalf("anonymous history should be rejected")
	}

	h, err := transport.Dial(context.Background(), sess)
	if err != nil {
		t.Fatalf("authorized dial: %v", err)
	}
	_ = h.Close()
}

func TestRelayTokens_EphemeralSecret(t *testing.T) {
	t.Setenv(token.SecretEnvKey, "")

	var buf bytes.Buffer
	m, err := relayTokens(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err != nil {
		t.Fatalf("relayTokens: %v", err)
	}
	tok, _, err := m.Issue("u1", "a@x.com", time.Time{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(buf.String(), "token.secret.ephemeral") {
		t.Fatalf("missing warning: %q", buf.String())
	}

	t.Setenv(token.SecretEnvKey, "short")
	if _, err := relayTokens(quietLogger()); err == nil {
		t.Fatalf("short secret must fail")
	}
}
