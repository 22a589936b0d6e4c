package chat

import (
	"time"

	v1 "pairline/shared/contracts/chat/v1"
)

// MaxContentRunes bounds a single message body.
const MaxContentRunes = 4000

// DeliveryState tracks whether a message reached the server.
type DeliveryState uint8

const (
	// Pending: appended locally, persist not yet answered.
	Pending DeliveryState = iota
	// Confirmed: known to be stored server-side.
	Confirmed
	// Failed: persist was rejected or unreachable; eligible for Retry.
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation log.
// Everything but State is immutable once created.
type Message struct {
	ID        string
	From      string
	To        string
	Content   string
	Timestamp time.Time
	State     DeliveryState
}

// MessageFromPayload converts a wire message into a Confirmed log entry.
func MessageFromPayload(p v1.MessagePayload) Message {
	return Message{
		ID:        p.ID,
		From:      p.From,
		To:        p.To,
		Content:   p.Content,
		Timestamp: p.Timestamp,
		State:     Confirmed,
	}
}

// Payload converts the message into its wire form.
func (m Message) Payload() v1.MessagePayload {
	return v1.MessagePayload{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC(),
	}
}
