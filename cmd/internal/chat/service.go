package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairline/cmd/internal/metrics"
	"pairline/cmd/internal/normalize"
)

// Listener observes log and error changes. Callbacks may run on the transport
// pump goroutine and must not call back into Service operations.
type Listener interface {
	LogReset(msgs []Message)
	MessageAppended(m Message)
	MessageUpdated(m Message)
	Alert(err error)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) LogReset([]Message)     {}
func (NopListener) MessageAppended(Message) {}
func (NopListener) MessageUpdated(Message)  {}
func (NopListener) Alert(error)             {}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.lg = l
		}
	}
}

func WithListener(l Listener) Option {
	return func(s *Service) {
		if l != nil {
			s.listener = l
		}
	}
}

// WithClock overrides the timestamp source for outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides client message id generation.
func WithIDGenerator(fn func(time.Time) (string, error)) Option {
	return func(s *Service) { s.newID = fn }
}

// Service is the conversation context: it owns the state variant, the log and
// the connection, and orders activation and teardown between them.
type Service struct {
	history  HistoryFetcher
	conn     *Connection
	log      *Log
	sender   *Sender
	listener Listener
	lg       *slog.Logger
	now      func() time.Time
	newID    func(time.Time) (string, error)

	// opMu serializes user operations. The transport sink never takes it.
	opMu sync.Mutex

	mu    sync.RWMutex
	state State
}

// NewService wires the core around its collaborators.
func NewService(history HistoryFetcher, store Persister, transport Transport, opts ...Option) *Service {
	s := &Service{
		history:  history,
		log:      NewLog(),
		listener: NopListener{},
		lg:       slog.Default(),
		state:    unauthenticated(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.conn = NewConnection(transport, s.lg)
	s.sender = newSender(s.log, store, s.conn, s.listener, s.now, s.newID, s.lg)
	return s
}

// SignIn installs a session. An active conversation of a previous session is torn down.
func (s *Service) SignIn(sess Session) error {
	sess.UserID = normalize.Email(sess.UserID)
	if sess.UserID == "" {
		return ErrInvalidSession
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardown()

	s.mu.Lock()
	s.state = peerUnselected(sess)
	s.mu.Unlock()

	s.lg.Info("chat.session.signed_in", "user_id", sess.UserID)
	return nil
}

// Open activates the conversation with peer.
//
// History is fetched first. If that fails the error is a fetch error and the
// previous state (including any active conversation) is left untouched.
// Otherwise the old connection is closed, the log is reseeded, and a new
// connection is opened. Reopening the active conversation keeps its Failed
// messages after the history. A transport failure leaves the conversation active.
func (s *Service) Open(ctx context.Context, peer string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	sess, ok := s.State().Session()
	if !ok {
		return ErrNotAuthenticated
	}
	conv, err := NewConversation(sess.UserID, peer)
	if err != nil {
		return err
	}

	history, err := s.history.FetchHistory(ctx, sess, conv.Peer)
	if err != nil {
		e := OpError{Op: "open", Kind: ErrFetch, Err: err}
		s.lg.Warn("chat.conversation.fetch_failed", "peer", conv.Peer, "err", err)
		s.listener.Alert(e)
		return e
	}

	if err := s.conn.Close(); err != nil {
		s.lg.Debug("chat.conversation.close_previous_error", "err", err)
	}

	kept, dropped := admitAll(conv, history)

	s.mu.Lock()
	// Reopening the same conversation keeps undelivered sends retryable.
	var unsent []Message
	if cur, ok := s.state.Conversation(); ok && cur == conv {
		unsent = s.log.Snapshot()
	}
	s.log.Reset()
	n, _ := s.log.Seed(kept)
	carried := s.log.carryFailed(unsent)
	s.state = active(sess, conv)
	s.mu.Unlock()

	if carried > 0 {
		s.lg.Info("chat.conversation.unsent_kept", "peer", conv.Peer, "count", carried)
	}

	if dropped > 0 {
		metrics.ChatEventsRejected.Add(float64(dropped))
		s.lg.Warn("chat.conversation.history_filtered", "peer", conv.Peer, "dropped", dropped)
	}
	metrics.ChatMessages.WithLabelValues("history").Add(float64(n))
	s.listener.LogReset(s.log.Snapshot())
	s.lg.Info("chat.conversation.open", "peer", conv.Peer, "history", n)

	if err := s.conn.Open(ctx, sess, conv, s.onEvent, s.onLost); err != nil {
		s.listener.Alert(err)
		return err
	}
	return nil
}

// Send submits content to the active conversation.
func (s *Service) Send(ctx context.Context, content string) (Message, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	sess, conv, err := s.activeLocked()
	if err != nil {
		return Message{}, err
	}

	m, err := s.sender.Send(ctx, sess, conv, content)
	if err != nil && (IsSend(err) || IsTransport(err)) {
		s.listener.Alert(err)
	}
	return m, err
}

// Retry re-delivers a Failed message of the active conversation.
func (s *Service) Retry(ctx context.Context, id string) (Message, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	sess, _, err := s.activeLocked()
	if err != nil {
		return Message{}, err
	}

	m, err := s.sender.Retry(ctx, sess, id)
	if err != nil && (IsSend(err) || IsTransport(err)) {
		s.listener.Alert(err)
	}
	return m, err
}

// Leave returns to peer selection. It is a no-op without an active conversation.
func (s *Service) Leave() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st := s.State()
	if st.Phase() != PhaseActive {
		return
	}
	sess, _ := st.Session()

	s.teardown()

	s.mu.Lock()
	s.state = peerUnselected(sess)
	s.mu.Unlock()

	s.listener.LogReset(nil)
	s.lg.Info("chat.conversation.left")
}

// SignOut drops the session and everything bound to it.
func (s *Service) SignOut() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardown()

	s.mu.Lock()
	s.state = unauthenticated()
	s.mu.Unlock()

	s.listener.LogReset(nil)
	s.lg.Info("chat.session.signed_out")
}

// Close releases the connection. It is safe on every exit path and may be deferred.
func (s *Service) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.conn.Close()
}

// Messages returns the log in display order.
func (s *Service) Messages() []Message { return s.log.Snapshot() }

// State returns the current state variant.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Conversation returns the active conversation, if any.
func (s *Service) Conversation() (Conversation, bool) { return s.State().Conversation() }

// ConnectionState returns the realtime connection state.
func (s *Service) ConnectionState() ConnState { return s.conn.State() }

func (s *Service) activeLocked() (Session, Conversation, error) {
	st := s.State()
	switch st.Phase() {
	case PhaseUnauthenticated:
		return Session{}, Conversation{}, ErrNotAuthenticated
	case PhasePeerUnselected:
		return Session{}, Conversation{}, ErrNoConversation
	}
	sess, _ := st.Session()
	conv, _ := st.Conversation()
	return sess, conv, nil
}

// teardown closes the connection and clears the log. Caller holds opMu.
func (s *Service) teardown() {
	if err := s.conn.Close(); err != nil {
		s.lg.Debug("chat.conversation.close_error", "err", err)
	}
	s.mu.Lock()
	s.log.Reset()
	s.mu.Unlock()
}

// onEvent is the connection sink. It re-checks the event against the
// conversation current at arrival.
func (s *Service) onEvent(m Message) {
	s.mu.RLock()
	conv, ok := s.state.Conversation()
	if !ok || !Admits(conv, m) {
		s.mu.RUnlock()
		metrics.ChatEventsRejected.Inc()
		return
	}
	entry, outcome := s.log.AppendRemote(m)
	s.mu.RUnlock()

	switch outcome {
	case RemoteAppended:
		metrics.ChatMessages.WithLabelValues("remote").Inc()
		s.listener.MessageAppended(entry)
	case RemoteConfirmed:
		metrics.ChatRemoteDedupe.WithLabelValues("confirmed").Inc()
		s.listener.MessageUpdated(entry)
	case RemoteDuplicate:
		metrics.ChatRemoteDedupe.WithLabelValues("duplicate").Inc()
		s.lg.Debug("chat.event.duplicate", "id", entry.ID)
	}
}

func (s *Service) onLost(err error) {
	s.listener.Alert(err)
}
