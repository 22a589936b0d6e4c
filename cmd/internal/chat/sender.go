package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pairline/cmd/identity/ids"
	"pairline/cmd/internal/metrics"
)

// HistoryFetcher loads the stored history of (s.UserID, peer), oldest first.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, s Session, peer string) ([]Message, error)
}

// Persister stores one message server-side. Storing the same ID twice must be harmless.
type Persister interface {
	PersistMessage(ctx context.Context, s Session, m Message) error
}

type emitter interface {
	Emit(ctx context.Context, m Message) error
}

// Sender runs the optimistic-append → persist → emit pipeline against one log.
type Sender struct {
	log      *Log
	store    Persister
	conn     emitter
	listener Listener
	now      func() time.Time
	newID    func(time.Time) (string, error)
	lg       *slog.Logger
}

func newSender(l *Log, store Persister, conn emitter, listener Listener, now func() time.Time, newID func(time.Time) (string, error), lg *slog.Logger) *Sender {
	if listener == nil {
		listener = NopListener{}
	}
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = ids.NewULID
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Sender{log: l, store: store, conn: conn, listener: listener, now: now, newID: newID, lg: lg}
}

// Send appends content as a Pending message and delivers it.
//
// The returned message reflects the final delivery state. On persist failure
// the entry stays in the log as Failed and the error is a send error.
// On emit failure the entry stays Confirmed and the error is a transport error.
func (s *Sender) Send(ctx context.Context, sess Session, conv Conversation, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return Message{}, ErrContentTooLong
	}

	now := s.now().UTC()
	id, err := s.newID(now)
	if err != nil {
		return Message{}, OpError{Op: "send", Kind: ErrSend, Err: err}
	}

	m := s.log.AppendOptimistic(Message{
		ID:        id,
		From:      conv.Local,
		To:        conv.Peer,
		Content:   content,
		Timestamp: now,
	})
	metrics.ChatMessages.WithLabelValues("local").Inc()
	s.listener.MessageAppended(m)

	return s.deliver(ctx, sess, m)
}

// Retry re-delivers a Failed message under its original ID.
func (s *Sender) Retry(ctx context.Context, sess Session, id string) (Message, error) {
	cur, ok := s.log.Get(id)
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	if cur.State != Failed {
		return cur, ErrNotRetryable
	}
	m, ok := s.log.markPending(id)
	if !ok {
		return m, ErrNotRetryable
	}
	s.lg.Info("chat.send.retry", "id", id)
	s.listener.MessageUpdated(m)
	return s.deliver(ctx, sess, m)
}

func (s *Sender) deliver(ctx context.Context, sess Session, m Message) (Message, error) {
	if err := s.store.PersistMessage(ctx, sess, m); err != nil {
		metrics.ChatSendFailures.WithLabelValues("persist").Inc()
		s.lg.Warn("chat.send.persist_failed", "id", m.ID, "err", err)

		failed, ok := s.log.MarkFailed(m.ID)
		if !ok {
			// an echo confirmed it while persist was in flight
			failed, _ = s.log.Get(m.ID)
		}
		if failed.State == Confirmed {
			return failed, nil
		}
		s.listener.MessageUpdated(failed)
		return failed, OpError{Op: "send", Kind: ErrSend, Err: err}
	}

	confirmed, ok := s.log.MarkConfirmed(m.ID)
	if ok {
		s.listener.MessageUpdated(confirmed)
	} else {
		confirmed, _ = s.log.Get(m.ID)
	}

	if err := s.conn.Emit(ctx, confirmed); err != nil {
		metrics.ChatSendFailures.WithLabelValues("emit").Inc()
		s.lg.Warn("chat.send.emit_failed", "id", m.ID, "err", err)
		return confirmed, err
	}

	s.lg.Debug("chat.send.ok", "id", m.ID)
	return confirmed, nil
}
