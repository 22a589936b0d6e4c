package chat

import "pairline/cmd/internal/normalize"

// Admits reports whether m belongs to conv, in either direction.
// Identifiers are compared in normalized form.
func Admits(conv Conversation, m Message) bool {
	from := normalize.Email(m.From)
	to := normalize.Email(m.To)
	return (from == conv.Local && to == conv.Peer) ||
		(from == conv.Peer && to == conv.Local)
}

// admitAll returns the subsequence of msgs admitted by conv, preserving order.
func admitAll(conv Conversation, msgs []Message) (kept []Message, dropped int) {
	kept = make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !Admits(conv, m) {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	return kept, dropped
}
