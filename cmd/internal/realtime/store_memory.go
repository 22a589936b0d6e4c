package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerPair = 10_000

// InMemoryStore is the relay's store when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	byID  map[string]StoredMessage
	pairs map[string]*memPair
}

type memPair struct {
	seq  int64
	msgs []StoredMessage // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:  make(map[string]StoredMessage),
		pairs: make(map[string]*memPair),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage stores a message once per id and allocates the next pair seq.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sent := in.SentAt
	if sent.IsZero() {
		sent = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[in.ID]; ok {
		if !sameMessage(existing, in) {
			return AppendMessageResult{}, ErrIDConflict
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	key := PairKey(in.From, in.To)
	p := s.pairs[key]
	if p == nil {
		p = &memPair{msgs: make([]StoredMessage, 0, 64)}
		s.pairs[key] = p
	}

	p.seq++
	msg := StoredMessage{
		ID:       in.ID,
		PairKey:  key,
		Seq:      p.seq,
		From:     in.From,
		To:       in.To,
		Content:  in.Content,
		SentAt:   sent.UTC(),
		StoredAt: now.UTC(),
	}
	s.byID[in.ID] = msg
	p.msgs = append(p.msgs, msg)

	if len(p.msgs) > memMaxMessagesPerPair {
		evicted := p.msgs[0]
		delete(s.byID, evicted.ID)
		p.msgs = p.msgs[1:]
	}

	return AppendMessageResult{Stored: msg}, nil
}

// FetchHistory returns the pair's messages ordered by seq, paged by AfterSeq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.UserA == "" || in.UserB == "" {
		return FetchHistoryResult{}, ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	var snap []StoredMessage
	if p := s.pairs[PairKey(in.UserA, in.UserB)]; p != nil {
		snap = append([]StoredMessage(nil), p.msgs...)
	}
	s.mu.Unlock()

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	out := snap[start:]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}
