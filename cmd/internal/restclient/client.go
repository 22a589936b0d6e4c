// Package restclient talks to the pairline REST collaborator: identity
// (login/signup), conversation history, and message persistence.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pairline/cmd/internal/chat"
	v1 "pairline/shared/contracts/chat/v1"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 4 << 20
)

// APIError is a non-2xx response from the REST collaborator.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// Client is a REST client bound to one base URL.
// It satisfies chat.HistoryFetcher and chat.Persister.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New returns a client for baseURL (scheme://host[:port][/prefix]).
func New(baseURL string, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base url host is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    httpClient,
		log:     log,
	}, nil
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, email, password string) (chat.Session, error) {
	var out v1.AuthResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", "", v1.LoginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return chat.Session{}, chat.OpError{Op: "login", Kind: chat.ErrAuth, Err: err}
	}
	return sessionFrom(out)
}

// Signup registers a new account and returns its session.
func (c *Client) Signup(ctx context.Context, name, email, password string) (chat.Session, error) {
	var out v1.AuthResponse
	err := c.do(ctx, http.MethodPost, "/auth/signup", "", v1.SignupRequest{Name: name, Email: email, Password: password}, &out)
	if err != nil {
		return chat.Session{}, chat.OpError{Op: "signup", Kind: chat.ErrAuth, Err: err}
	}
	return sessionFrom(out)
}

// FetchHistory returns the stored messages between s.UserID and peer, in store order.
func (c *Client) FetchHistory(ctx context.Context, s chat.Session, peer string) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("user", s.UserID)
	q.Set("friend", peer)

	var payloads []v1.MessagePayload
	if err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), s.AuthToken, nil, &payloads); err != nil {
		return nil, err
	}

	out := make([]chat.Message, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, chat.MessageFromPayload(p))
	}
	c.log.Debug("rest.history.ok", "peer", peer, "count", len(out))
	return out, nil
}

// PersistMessage stores m. Storing an id twice is acknowledged as a duplicate.
func (c *Client) PersistMessage(ctx context.Context, s chat.Session, m chat.Message) error {
	p := m.Payload()
	if err := p.Validate(); err != nil {
		return err
	}

	var ack v1.PersistAck
	if err := c.do(ctx, http.MethodPost, "/messages", s.AuthToken, p, &ack); err != nil {
		return err
	}
	if ack.ID != "" && m.ID != "" && ack.ID != m.ID {
		return fmt.Errorf("persist ack id mismatch: sent %q got %q", m.ID, ack.ID)
	}
	c.log.Debug("rest.persist.ok", "id", m.ID, "duplicated", ack.Duplicated)
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("rest.request.fail", "method", method, "path", req.URL.Path, "err", err)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.log.Debug("rest.request",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"dur_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	e := &APIError{Status: status}

	var wrapped v1.ErrorResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && (wrapped.Error.Code != "" || wrapped.Error.Message != "") {
		e.Code = wrapped.Error.Code
		e.Message = wrapped.Error.Message
		return e
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	e.Message = msg
	return e
}

func sessionFrom(r v1.AuthResponse) (chat.Session, error) {
	if strings.TrimSpace(r.User.Email) == "" && strings.TrimSpace(r.User.ID) == "" {
		return chat.Session{}, chat.OpError{Op: "login", Kind: chat.ErrAuth, Err: errors.New("response carries no user")}
	}
	id := r.User.Email
	if id == "" {
		id = r.User.ID
	}
	return chat.Session{
		UserID:      id,
		DisplayName: r.User.Name,
		AuthToken:   r.Token,
	}, nil
}
