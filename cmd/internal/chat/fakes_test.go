package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seqIDs() func(time.Time) (string, error) {
	var (
		mu sync.Mutex
		n  int
	)
	return func(time.Time) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("m%d", n), nil
	}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

// ---- history ----

type fakeHistory struct {
	mu     sync.Mutex
	byPeer map[string][]Message
	err    error
	calls  []string
}

func (f *fakeHistory) FetchHistory(_ context.Context, _ Session, peer string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, peer)
	if f.err != nil {
		return nil, f.err
	}
	return append([]Message(nil), f.byPeer[peer]...), nil
}

func (f *fakeHistory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// ---- persist ----

type fakeStore struct {
	mu        sync.Mutex
	err       error
	gate      chan struct{}
	persisted []Message
}

func (f *fakeStore) PersistMessage(ctx context.Context, _ Session, m Message) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.persisted = append(f.persisted, m)
	return nil
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persisted)
}

// ---- transport ----

type fakeHandle struct {
	events chan Message
	echo   bool

	mu      sync.Mutex
	closed  bool
	endErr  error
	emitErr error
	emitted []Message
	onClose func()
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan Message, 16)}
}

func (h *fakeHandle) Events() <-chan Message { return h.events }

func (h *fakeHandle) Emit(_ context.Context, m Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("closed")
	}
	if h.emitErr != nil {
		return h.emitErr
	}
	h.emitted = append(h.emitted, m)
	if h.echo {
		h.events <- m
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	if h.onClose != nil {
		h.onClose()
	}
	return nil
}

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endErr
}

func (h *fakeHandle) push(m Message) { h.events <- m }

// end simulates the server dropping the stream.
func (h *fakeHandle) end(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endErr = err
	h.closed = true
	close(h.events)
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) emittedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.emitted)
}

type fakeTransport struct {
	mu         sync.Mutex
	dialErr    error
	echo       bool
	handles    []*fakeHandle
	live       int
	violations int
}

func (f *fakeTransport) Dial(_ context.Context, _ Session) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dialErr != nil {
		return nil, f.dialErr
	}
	if f.live != 0 {
		f.violations++
	}
	h := newFakeHandle()
	h.echo = f.echo
	h.onClose = func() {
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
	}
	f.live++
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeTransport) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

func (f *fakeTransport) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// ---- listener ----

type recordingListener struct {
	mu       sync.Mutex
	resets   int
	appended []Message
	updated  []Message
	alerts   []error
}

func (l *recordingListener) LogReset([]Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
}

func (l *recordingListener) MessageAppended(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appended = append(l.appended, m)
}

func (l *recordingListener) MessageUpdated(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updated = append(l.updated, m)
}

func (l *recordingListener) Alert(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, err)
}

func (l *recordingListener) alertList() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.alerts...)
}
