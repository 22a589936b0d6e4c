// Package main provides a CI-friendly smoke test for a running pairline relay.
//
// It validates:
//   - signup for two fresh accounts
//   - handshake + subprotocol selection
//   - hello/ack with the issued tokens
//   - persist via POST /messages, then relay over the socket
//   - the peer receives the message with the same id
//   - a repeated persist is acknowledged as a duplicate
//   - history holds the message exactly once
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

	v1 "pairline/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type account struct {
	email string
	token string
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "Relay base URL (REST and <base>/ws)")
		origin   = flag.String("origin", "", "Origin header to send on the WebSocket handshake")
		password = flag.String("password", "smoke-test-password", "Password for the generated accounts")
		text     = flag.String("text", "hello pairline 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := endpointURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	httpc := &http.Client{Timeout: *timeout}
	stamp := time.Now().UnixNano()

	alice := mustSignup(root, httpc, *baseURL, fmt.Sprintf("smoke-a-%d@example.com", stamp), *password)
	bob := mustSignup(root, httpc, *baseURL, fmt.Sprintf("smoke-b-%d@example.com", stamp), *password)

	a := mustConnect(root, "A", wsURL, *origin, alice, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, bob, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", alice.email, bob.email, *origin)
	}

	msg := v1.MessagePayload{
		ID:        fmt.Sprintf("smoke-%d", stamp),
		From:      alice.email,
		To:        bob.email,
		Content:   *text,
		Timestamp: time.Now().UTC(),
	}

	if ack := mustPersist(root, httpc, *baseURL, alice, msg); ack.Duplicated {
		fatalf("first persist reported duplicate")
	}

	env, err := v1.NewEnvelope(v1.TypeMessage, "A-send", time.Now(), msg)
	if err != nil {
		fatalf("envelope: %v", err)
	}
	mustWriteWithTimeout(root, a.conn, env, *timeout)

	mustAssertMessage(root, b, msg, *timeout)

	if ack := mustPersist(root, httpc, *baseURL, alice, msg); !ack.Duplicated {
		fatalf("dedupe: repeated persist not reported as duplicate")
	}

	mustHistoryContainsOnce(root, httpc, *baseURL, bob, alice.email, msg)

	fmt.Printf("OK: A=%s B=%s id=%s\n", alice.email, bob.email, msg.ID)
}

func endpointURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
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
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
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

func mustSignup(parent context.Context, c *http.Client, base, email, password string) account {
	var out v1.AuthResponse
	status := mustDoJSON(parent, c, http.MethodPost, base+"/auth/signup", "", v1.SignupRequest{Email: email, Password: password}, &out)
	if status != http.StatusCreated {
		fatalf("signup %s: status=%d", email, status)
	}
	if out.User.Email == "" {
		fatalf("signup %s: response carries no user", email)
	}
	return account{email: out.User.Email, token: out.Token}
}

func mustPersist(parent context.Context, c *http.Client, base string, from account, m v1.MessagePayload) v1.PersistAck {
	var ack v1.PersistAck
	status := mustDoJSON(parent, c, http.MethodPost, base+"/messages", from.token, m, &ack)
	if status != http.StatusCreated && status != http.StatusOK {
		fatalf("persist %s: status=%d", m.ID, status)
	}
	if ack.ID != m.ID {
		fatalf("persist ack id mismatch: got=%q want=%q", ack.ID, m.ID)
	}
	return ack
}

func mustHistoryContainsOnce(parent context.Context, c *http.Client, base string, who account, friend string, want v1.MessagePayload) {
	q := url.Values{}
	q.Set("user", who.email)
	q.Set("friend", friend)

	var msgs []v1.MessagePayload
	status := mustDoJSON(parent, c, http.MethodGet, base+"/messages?"+q.Encode(), who.token, nil, &msgs)
	if status != http.StatusOK {
		fatalf("history: status=%d", status)
	}

	n := 0
	for _, m := range msgs {
		if m.ID == want.ID {
			n++
			if m.Content != want.Content || m.From != want.From || m.To != want.To {
				fatalf("history entry mismatch: got=%+v", m)
			}
		}
	}
	if n != 1 {
		fatalf("history holds id %s %d times, want 1", want.ID, n)
	}
}

func mustDoJSON(parent context.Context, c *http.Client, method, target, token string, in, out any) int {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(parent, method, target, body)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		var e v1.ErrorResponse
		_ = json.Unmarshal(raw, &e)
		fatalf("%s %s: status=%d code=%q msg=%q", method, target, resp.StatusCode, e.Error.Code, e.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func mustConnect(parent context.Context, name, wsURL, origin string, acct account, stepTimeout time.Duration) *smokeClient {
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
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello, err := v1.NewEnvelope(v1.TypeHello, name+"-hello", time.Now(), v1.HelloPayload{Token: acct.token})
	if err != nil {
		fatalf("hello envelope: %v", err)
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if acct.token != "" && p.UserID != acct.email {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, acct.email)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustAssertMessage waits for want on c, skipping relayed traffic of other pairs.
func mustAssertMessage(parent context.Context, c *smokeClient, want v1.MessagePayload, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeMessage, stepTimeout)

		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal message payload (%s): %v", c.name, err)
		}
		if p.ID != want.ID {
			continue
		}
		if p.From != want.From || p.To != want.To || p.Content != want.Content {
			fatalf("message mismatch (%s): got=%+v want=%+v", c.name, p, want)
		}
		if p.Timestamp.IsZero() {
			fatalf("message timestamp missing (%s)", c.name)
		}
		return
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
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
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
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
