package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mschirtzinger/quill/internal/logging"
)

// recorder collects frames sent to one member.
type recorder struct {
	mu     sync.Mutex
	frames []string
	block  chan struct{}
	err    error
}

func (r *recorder) Send(ctx context.Context, frame []byte) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.frames = append(r.frames, string(frame))
	r.mu.Unlock()
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestHub(t *testing.T, queue int) *Hub {
	t.Helper()
	h := New(Config{QueueSize: queue, WriteTimeout: time.Second, Logger: logging.Discard()})
	t.Cleanup(h.Close)
	return h
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	h := newTestHub(t, 16)
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	h.Join("a", a)
	h.Join("b", b)
	h.Join("c", c)

	if n := h.Broadcast([]byte("x1"), "a"); n != 2 {
		t.Fatalf("Broadcast reached %d members, want 2", n)
	}

	waitFor(t, func() bool { return len(b.got()) == 1 && len(c.got()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if len(a.got()) != 0 {
		t.Fatalf("originator received its own write: %v", a.got())
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	h := newTestHub(t, 128)
	r := &recorder{}
	h.Join("r", r)

	var want []string
	for i := 0; i < 100; i++ {
		frame := fmt.Sprintf("f%03d", i)
		want = append(want, frame)
		h.Broadcast([]byte(frame), "")
	}
	waitFor(t, func() bool { return len(r.got()) == len(want) })
	got := r.got()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSlowMemberDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(t, 4)
	slow := &recorder{block: make(chan struct{})}
	fast := &recorder{}
	ms := h.Join("slow", slow)
	h.Join("fast", fast)

	for i := 0; i < 10; i++ {
		h.Broadcast([]byte(fmt.Sprintf("f%d", i)), "")
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-ms.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("slow member was not marked failed")
	}
	waitFor(t, func() bool { return len(fast.got()) == 10 })
	close(slow.block)
}

func TestWriteFailureMarksMemberFailed(t *testing.T) {
	h := newTestHub(t, 4)
	m := h.Join("broken", &recorder{err: errors.New("connection reset")})
	h.Broadcast([]byte("x"), "")

	select {
	case <-m.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("member was not marked failed")
	}
	if m.Enqueue([]byte("y")) {
		t.Fatal("failed member must not accept frames")
	}

	h.Leave(m)
	if h.Count() != 0 {
		t.Fatalf("Count() = %d after leave", h.Count())
	}
}

func TestRejoinKeepsReplacement(t *testing.T) {
	h := newTestHub(t, 4)
	old := h.Join("c1", &recorder{})
	replacement := h.Join("c1", &recorder{})

	<-old.Failed()
	h.Leave(old)
	if h.Count() != 1 {
		t.Fatalf("replacement was removed by the stale member's leave")
	}
	h.Leave(replacement)
	if h.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", h.Count())
	}
}
