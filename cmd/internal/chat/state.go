package chat

import (
	"strings"

	"pairline/cmd/internal/normalize"
)

// Session is the identity produced by login/signup. AuthToken is opaque to the client.
type Session struct {
	UserID      string
	DisplayName string
	AuthToken   string
}

// Conversation is the active (local, peer) pair.
type Conversation struct {
	Local string
	Peer  string
}

// NewConversation normalizes both identifiers and rejects empty or self conversations.
func NewConversation(local, peer string) (Conversation, error) {
	local = normalize.Email(local)
	peer = normalize.Email(peer)
	if local == "" {
		return Conversation{}, ErrNotAuthenticated
	}
	if peer == "" || peer == local || strings.ContainsAny(peer, " \t\r\n") {
		return Conversation{}, ErrInvalidPeer
	}
	return Conversation{Local: local, Peer: peer}, nil
}

// Phase names the variant held by State.
type Phase uint8

const (
	PhaseUnauthenticated Phase = iota
	PhasePeerUnselected
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhasePeerUnselected:
		return "peer_unselected"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// State is the tagged conversation-activation variant.
// Values are only built through the constructors below, so a conversation
// without a session (or a session-less Active state) cannot exist.
type State struct {
	phase   Phase
	session Session
	conv    Conversation
}

func unauthenticated() State { return State{phase: PhaseUnauthenticated} }

func peerUnselected(s Session) State { return State{phase: PhasePeerUnselected, session: s} }

func active(s Session, c Conversation) State {
	return State{phase: PhaseActive, session: s, conv: c}
}

// Phase returns the current variant.
func (s State) Phase() Phase { return s.phase }

// Session returns the signed-in session, if any.
func (s State) Session() (Session, bool) {
	if s.phase == PhaseUnauthenticated {
		return Session{}, false
	}
	return s.session, true
}

// Conversation returns the active conversation, if any.
func (s State) Conversation() (Conversation, bool) {
	if s.phase != PhaseActive {
		return Conversation{}, false
	}
	return s.conv, true
}
