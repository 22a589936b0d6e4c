// Package realtime contains the pairline relay's WebSocket gateway, its
// broadcast hub and the message store shared with the REST surface.
package realtime

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidMessage = errors.New("realtime: invalid message")
	// ErrIDConflict means a message id is already stored for a different pair or sender.
	ErrIDConflict = errors.New("realtime: message id already used")
)

// StoredMessage is the relay's persisted message.
type StoredMessage struct {
	ID       string
	PairKey  string
	Seq      int64
	From     string
	To       string
	Content  string
	SentAt   time.Time
	StoredAt time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per message id (a retried id returns the stored row)
//   - Monotonic seq per pair (duplicates consume no seq)
//   - History ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ID      string
	From    string
	To      string
	Content string
	SentAt  time.Time
	Now     time.Time
}

func (in AppendMessageInput) validate() error {
	if strings.TrimSpace(in.ID) == "" || in.From == "" || in.To == "" || in.Content == "" {
		return ErrInvalidMessage
	}
	if in.From == in.To {
		return ErrInvalidMessage
	}
	return nil
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchHistoryInput selects the history of the unordered pair {UserA, UserB}.
type FetchHistoryInput struct {
	UserA    string
	UserB    string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 2000
)

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultHistoryLimit
	case n > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return n
	}
}

// PairKey returns the order-independent key of a two-party conversation.
// Callers pass normalized (trimmed, lower-case) user ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func sameMessage(existing StoredMessage, in AppendMessageInput) bool {
	return existing.From == in.From && existing.To == in.To
}
