package realtime

import (
	"time"

	"pairline/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewMessageID assigns an id to messages from producers that did not send one.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
