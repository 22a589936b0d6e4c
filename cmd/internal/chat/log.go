package chat

import (
	"sync"
)

// RemoteOutcome describes what AppendRemote did with an incoming event.
type RemoteOutcome uint8

const (
	// RemoteAppended: the event was new and is now the last entry.
	RemoteAppended RemoteOutcome = iota
	// RemoteConfirmed: the event echoed a local entry, which is now Confirmed.
	RemoteConfirmed
	// RemoteDuplicate: the id was already present and the log did not change.
	RemoteDuplicate
)

func (o RemoteOutcome) String() string {
	switch o {
	case RemoteAppended:
		return "appended"
	case RemoteConfirmed:
		return "confirmed"
	case RemoteDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Log is the ordered, append-only message log of one conversation.
//
// Invariants:
//   - entries are never reordered or removed (Reset replaces the whole log)
//   - a non-empty id appears at most once
//   - only State changes after an entry is appended
type Log struct {
	mu      sync.RWMutex
	entries []Message
	byID    map[string]int
	local   map[string]struct{}
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{
		byID:  make(map[string]int),
		local: make(map[string]struct{}),
	}
}

// Seed loads history into an empty log, preserving order.
// Entries with an id already seen earlier in msgs are skipped.
func (l *Log) Seed(msgs []Message) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) != 0 {
		return 0, ErrLogNotEmpty
	}

	n := 0
	for _, m := range msgs {
		if m.ID != "" {
			if _, ok := l.byID[m.ID]; ok {
				continue
			}
		}
		m.State = Confirmed
		l.appendLocked(m)
		n++
	}
	return n, nil
}

// carryFailed re-appends Failed local entries after a reseed, keeping their
// state so they stay retryable. Ids already in the log are skipped.
func (l *Log) carryFailed(msgs []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, m := range msgs {
		if m.State != Failed || m.ID == "" {
			continue
		}
		if _, ok := l.byID[m.ID]; ok {
			continue
		}
		l.local[m.ID] = struct{}{}
		l.appendLocked(m)
		n++
	}
	return n
}

// AppendOptimistic appends a locally originated message in Pending state.
// If the id is already present the existing entry is returned unchanged.
func (l *Log) AppendOptimistic(m Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.ID != "" {
		if i, ok := l.byID[m.ID]; ok {
			return l.entries[i]
		}
		l.local[m.ID] = struct{}{}
	}
	m.State = Pending
	l.appendLocked(m)
	return m
}

// AppendRemote integrates a pushed event.
//
// An unknown (or empty) id is appended as Confirmed. A known id that belongs to a
// local entry confirms that entry in place. Any other known id is a duplicate.
func (l *Log) AppendRemote(m Message) (Message, RemoteOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.ID != "" {
		if i, ok := l.byID[m.ID]; ok {
			cur := l.entries[i]
			if _, mine := l.local[m.ID]; mine && cur.State != Confirmed {
				cur.State = Confirmed
				l.entries[i] = cur
				return cur, RemoteConfirmed
			}
			return cur, RemoteDuplicate
		}
	}
	m.State = Confirmed
	l.appendLocked(m)
	return m, RemoteAppended
}

// MarkConfirmed moves a Pending or Failed entry to Confirmed.
func (l *Log) MarkConfirmed(id string) (Message, bool) {
	return l.transition(id, Confirmed, Pending, Failed)
}

// MarkFailed moves a Pending entry to Failed.
func (l *Log) MarkFailed(id string) (Message, bool) {
	return l.transition(id, Failed, Pending)
}

func (l *Log) markPending(id string) (Message, bool) {
	return l.transition(id, Pending, Failed)
}

func (l *Log) transition(id string, to DeliveryState, from ...DeliveryState) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	cur := l.entries[i]
	for _, f := range from {
		if cur.State == f {
			cur.State = to
			l.entries[i] = cur
			return cur, true
		}
	}
	return cur, false
}

// Get returns the entry with the given id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return l.entries[i], true
}

// Snapshot returns a copy of the log in display order.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	l.byID = make(map[string]int)
	l.local = make(map[string]struct{})
}

func (l *Log) appendLocked(m Message) {
	if m.ID != "" {
		l.byID[m.ID] = len(l.entries)
	}
	l.entries = append(l.entries, m)
}
