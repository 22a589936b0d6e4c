package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "pairline/shared/contracts/chat/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_BroadcastSkipsAndDrops(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLogger())
	a := NewClient("a@x.com", "s-a", 1)
	b := NewClient("b@x.com", "s-b", 1)
	h.Attach(a)
	h.Attach(b)
	h.Attach(nil)
	if h.Len() != 2 {
		t.Fatalf("len=%d", h.Len())
	}

	env, err := newEnvelope(v1.TypeMessage, v1.MessagePayload{ID: "m1", From: "a@x.com", To: "b@x.com", Content: "hi"}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	if n := h.Broadcast(env, "s-a"); n != 1 {
		t.Fatalf("skip sender: sent=%d want 1", n)
	}
	if len(a.Send) != 0 || len(b.Send) != 1 {
		t.Fatalf("queues a=%d b=%d", len(a.Send), len(b.Send))
	}

	// b's queue (size 1) is full now; the broadcast must not block.
	if n := h.Broadcast(env, ""); n != 1 {
		t.Fatalf("full queue: sent=%d want 1", n)
	}

	h.Detach("s-b")
	h.Detach("s-b")
	h.Detach("unknown")
	select {
	case <-b.Done():
	default:
		t.Fatalf("detached client not closed")
	}
	if h.Len() != 1 {
		t.Fatalf("len after detach=%d", h.Len())
	}
}

func TestClient_OfferAfterClose(t *testing.T) {
	t.Parallel()

	c := NewClient("", "s", 0)
	if cap(c.Send) != 64 {
		t.Fatalf("default queue=%d", cap(c.Send))
	}
	c.Close()
	c.Close()
	if c.offer(v1.Envelope{}) {
		t.Fatalf("offer after close should fail")
	}
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, 3*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied within burst", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("4th event allowed")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("token not refilled after one interval")
	}
}
