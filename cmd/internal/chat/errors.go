package chat

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the user (stable for errors.Is).
var (
	ErrAuth      = errors.New("auth_error")
	ErrFetch     = errors.New("fetch_error")
	ErrSend      = errors.New("send_error")
	ErrTransport = errors.New("transport_error")
)

// Validation and state errors. These never reach the network.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidSession   = errors.New("invalid session")
	ErrNoConversation   = errors.New("no active conversation")
	ErrInvalidPeer      = errors.New("invalid peer")
	ErrEmptyContent     = errors.New("empty content")
	ErrContentTooLong   = errors.New("content too long")
	ErrNotRetryable     = errors.New("message is not retryable")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrLogNotEmpty      = errors.New("log already seeded")
	ErrNotConnected     = errors.New("not connected")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of ErrAuth, ErrFetch, ErrSend, ErrTransport. Err is the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsFetch reports whether err is a history fetch failure.
func IsFetch(err error) bool { return errors.Is(err, ErrFetch) }

// IsSend reports whether err is a persist failure after an optimistic append.
func IsSend(err error) bool { return errors.Is(err, ErrSend) }

// IsTransport reports whether err is a realtime transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
