// Package chat is the conversation synchronization core of the pairline client.
//
// It owns three things:
//   - the lifecycle of the realtime transport bound to the active conversation (Connection),
//   - the canonical, append-only message log of that conversation (Log),
//   - the admission predicate for pushed events (Admits).
//
// Service ties them together with the REST collaborators (HistoryFetcher, Persister)
// behind an explicit state variant: Unauthenticated, PeerUnselected, Active.
//
// Ordering model:
//   - User operations (Open, Send, Retry, Leave, SignOut, Close) are serialized.
//   - Transport events are delivered by one pump goroutine per handle, in transport order.
//   - The log is never re-sorted; display order is append order.
//
// Transport and REST implementations live elsewhere (wsclient, restclient); this package
// only depends on their interfaces.
package chat
