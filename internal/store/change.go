package store

import (
	"context"
	"sync"

	"github.com/Mschirtzinger/quill/internal/delta"
	"github.com/Mschirtzinger/quill/internal/schema"
)

// Op identifies the kind of write that produced a Change.
type Op string

const (
	OpUpsert Op = "upsert"
	OpPatch  Op = "patch"
	OpStream Op = "stream"
)

// Change describes one accepted write. Changes are delivered to
// subscribers in commit order; Seq increases by one per accepted write.
type Change struct {
	Seq    uint64
	Op     Op
	Kind   schema.Kind
	ID     string
	Record schema.Record
	// Fields holds the patched fields for OpPatch.
	Fields delta.Fields
	// Chunk holds the appended text for OpStream.
	Chunk string
	// Origin is the connection that submitted the write, "" for local writes.
	Origin string
}

type subscription struct {
	ch   chan Change
	done chan struct{}
	once sync.Once
}

// Subscribe registers a change listener. The returned channel receives every
// change accepted after the call, in commit order, until cancel is called or
// the store closes. A subscriber that stops reading stalls the writer, so
// listeners must drain promptly.
func (s *Store) Subscribe() (<-chan Change, func()) {
	sub := &subscription{
		ch:   make(chan Change, s.cfg.SubscriberBuffer),
		done: make(chan struct{}),
	}

	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, sub)
			s.subsMu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

// emit runs on the writer goroutine.
func (s *Store) emit(c Change) {
	s.seq++
	c.Seq = s.seq

	s.subsMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- c:
		case <-sub.done:
		case <-s.ctx.Done():
			return
		}
	}
}

type originKey struct{}

// WithOrigin tags writes made with ctx as coming from the given connection,
// so the hub can skip echoing them back.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin set by WithOrigin, or "".
func OriginFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
