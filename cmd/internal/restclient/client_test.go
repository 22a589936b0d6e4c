package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pairline/cmd/internal/chat"
	v1 "pairline/shared/contracts/chat/v1"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, ts.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://x", "http://", "://nope"} {
		if _, err := New(raw, nil, nil); err == nil {
			t.Fatalf("New(%q) should fail", raw)
		}
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		var req v1.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrorPayload{Code: "bad_json"}})
			return
		}
		if req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, v1.ErrorResponse{Error: v1.ErrorPayload{Code: "invalid_credentials", Message: "invalid credentials"}})
			return
		}
		writeJSON(w, http.StatusOK, v1.AuthResponse{
			User:  v1.User{ID: "01J", Email: req.Email, Name: "Alice"},
			Token: "tok",
		})
	}))

	sess, err := c.Login(context.Background(), "a@x.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.UserID != "a@x.com" || sess.DisplayName != "Alice" || sess.AuthToken != "tok" {
		t.Fatalf("session=%+v", sess)
	}

	_, err = c.Login(context.Background(), "a@x.com", "wrong")
	if !chat.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError in chain, got %T", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "invalid_credentials" {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestSignup(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req v1.SignupRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email == "taken@x.com" {
			writeJSON(w, http.StatusConflict, v1.ErrorResponse{Error: v1.ErrorPayload{Code: "email_taken", Message: "email already registered"}})
			return
		}
		writeJSON(w, http.StatusCreated, v1.AuthResponse{User: v1.User{ID: "01J", Email: req.Email, Name: req.Name}, Token: "tok"})
	}))

	sess, err := c.Signup(context.Background(), "Bob", "b@x.com", "pw")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if sess.UserID != "b@x.com" || sess.DisplayName != "Bob" {
		t.Fatalf("session=%+v", sess)
	}

	if _, err := c.Signup(context.Background(), "Bob", "taken@x.com", "pw"); !chat.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestFetchHistory(t *testing.T) {
	t.Parallel()

	ts0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, v1.ErrorResponse{Error: v1.ErrorPayload{Code: "unauthorized"}})
			return
		}
		q := r.URL.Query()
		if q.Get("user") != "a@x.com" || q.Get("friend") != "b@x.com" {
			writeJSON(w, http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrorPayload{Code: "bad_query"}})
			return
		}
		writeJSON(w, http.StatusOK, []v1.MessagePayload{
			{ID: "1", From: "b@x.com", To: "a@x.com", Content: "hey", Timestamp: ts0},
			{From: "a@x.com", To: "b@x.com", Content: "legacy without id", Timestamp: ts0.Add(time.Second)},
		})
	}))

	msgs, err := c.FetchHistory(context.Background(), chat.Session{UserID: "a@x.com", AuthToken: "tok"}, "b@x.com")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len=%d", len(msgs))
	}
	if msgs[0].Content != "hey" || !msgs[0].Timestamp.Equal(ts0) || msgs[0].State != chat.Confirmed {
		t.Fatalf("msg[0]=%+v", msgs[0])
	}
	if msgs[1].ID != "" || msgs[1].Content != "legacy without id" {
		t.Fatalf("msg[1]=%+v", msgs[1])
	}

	if _, err := c.FetchHistory(context.Background(), chat.Session{UserID: "a@x.com"}, "b@x.com"); err == nil {
		t.Fatalf("expected error without token")
	}
}

func TestFetchHistory_ServerErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		code   string
	}{
		{"json error", http.StatusInternalServerError, `{"error":{"code":"internal","message":"db down"}}`, "internal"},
		{"plain text", http.StatusBadGateway, "upstream unavailable", ""},
		{"empty body", http.StatusServiceUnavailable, "", ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))

			_, err := c.FetchHistory(context.Background(), chat.Session{UserID: "a@x.com"}, "b@x.com")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Status != tc.status || apiErr.Code != tc.code || apiErr.Message == "" {
				t.Fatalf("apiErr=%+v", apiErr)
			}
		})
	}
}

func TestFetchHistory_BadBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{not json")
	}))
	if _, err := c.FetchHistory(context.Background(), chat.Session{UserID: "a"}, "b"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPersistMessage(t *testing.T) {
	t.Parallel()

	var got v1.MessagePayload
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.Content == "reject" {
			writeJSON(w, http.StatusUnprocessableEntity, v1.ErrorResponse{Error: v1.ErrorPayload{Code: "invalid", Message: "nope"}})
			return
		}
		writeJSON(w, http.StatusCreated, v1.PersistAck{ID: got.ID})
	}))

	ts := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	m := chat.Message{ID: "01HX", From: "a@x.com", To: "b@x.com", Content: "yo", Timestamp: ts}
	if err := c.PersistMessage(context.Background(), chat.Session{UserID: "a@x.com"}, m); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got.ID != "01HX" || got.From != "a@x.com" || got.To != "b@x.com" || !got.Timestamp.Equal(ts) {
		t.Fatalf("server saw %+v", got)
	}

	m.Content = "reject"
	err := c.PersistMessage(context.Background(), chat.Session{UserID: "a@x.com"}, m)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 APIError, got %v", err)
	}

	m.Content = "   "
	if err := c.PersistMessage(context.Background(), chat.Session{UserID: "a@x.com"}, m); err == nil {
		t.Fatalf("blank content must be rejected locally")
	}
}

func TestPersistMessage_AckMismatch(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, v1.PersistAck{ID: "other"})
	}))
	m := chat.Message{ID: "mine", From: "a", To: "b", Content: "yo"}
	if err := c.PersistMessage(context.Background(), chat.Session{UserID: "a"}, m); err == nil {
		t.Fatalf("expected ack mismatch error")
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchHistory(ctx, chat.Session{UserID: "a"}, "b")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
