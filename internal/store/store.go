// Package store is the authoritative entity store.
//
// A Store owns one writer goroutine. Every mutation (Upsert, Patch,
// AppendOutput, Transition, Modify) is executed on that goroutine, so the
// read-compare-write of the LWW rule is atomic with respect to every other
// write without row locks. Reads go straight to the backend.
//
// Accepted writes are emitted as Changes to subscribers in commit order;
// the broadcast hub and the replica use them to propagate state.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mschirtzinger/quill/internal/delta"
	"github.com/Mschirtzinger/quill/internal/lww"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/telemetry"
)

// ErrSkip tells Modify to leave the record unchanged.
var ErrSkip = errors.New("skip modification")

// Config holds store options.
type Config struct {
	// SubscriberBuffer is the channel capacity of each subscription.
	SubscriberBuffer int

	// Logger for store messages (default: stderr with [store] prefix).
	Logger *log.Logger
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 256,
		Logger:           log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store serializes writes to a Backend and applies the LWW rule.
type Store struct {
	backend Backend
	cfg     Config
	logger  *log.Logger

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	// seq is only touched by the writer goroutine.
	seq uint64

	writes metric.Int64Counter
}

// New starts a store over backend. The caller must call Close.
func New(backend Backend, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		backend: backend,
		cfg:     cfg,
		logger:  cfg.Logger,
		ops:     make(chan func()),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[*subscription]struct{}),
		writes:  telemetry.Counter("store", "quill.store.writes", "Writes submitted to the entity store, by outcome"),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.ctx.Done():
			return
		}
	}
}

// Close stops the writer, ends all subscriptions and closes the backend.
func (s *Store) Close() error {
	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		return nil
	}
	s.closed = true
	s.subsMu.Unlock()

	s.cancel()
	<-s.done

	s.subsMu.Lock()
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	s.subsMu.Unlock()

	return s.backend.Close()
}

// Backend exposes the underlying backend for read-only tooling.
func (s *Store) Backend() Backend {
	return s.backend
}

// exec runs fn on the writer goroutine and waits for its result. Once fn has
// been handed to the writer it runs to completion even if ctx is cancelled.
func exec[T any](ctx context.Context, s *Store, fn func() (T, error)) (T, error) {
	var zero T
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	op := func() {
		v, err := fn()
		ch <- result{v, err}
	}

	select {
	case s.ops <- op:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.ctx.Done():
		return zero, ErrClosed
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Store) count(outcome string, kind schema.Kind) {
	s.writes.Add(s.ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("kind", string(kind)),
	))
}

// current loads the stored record, reporting whether it exists.
func (s *Store) current(kind schema.Kind, id string) (schema.Record, bool, error) {
	rec, err := s.backend.Get(s.ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return rec, true, nil
}

// Get returns one record or ErrNotFound.
func (s *Store) Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	return s.backend.Get(ctx, kind, id)
}

// List returns records of one kind matching f.
func (s *Store) List(ctx context.Context, kind schema.Kind, f Filter) ([]schema.Record, error) {
	return s.backend.List(ctx, kind, f)
}

// Cursor returns the greatest updatedAt in the store.
func (s *Store) Cursor(ctx context.Context) (schema.Stamp, error) {
	return s.backend.Cursor(ctx)
}

// Upsert stores rec if it wins under LWW. A stale write returns
// applied=false and a nil error. Invalid records are rejected with a
// *schema.ValidationError before the store is touched.
func (s *Store) Upsert(ctx context.Context, rec schema.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	rec, err := schema.Clone(rec)
	if err != nil {
		return false, err
	}
	origin := OriginFrom(ctx)
	kind, id := rec.Kind(), rec.Key()

	return exec(ctx, s, func() (bool, error) {
		existing, exists, err := s.current(kind, id)
		if err != nil {
			return false, err
		}
		var prev schema.Stamp
		if exists {
			prev = existing.Version()
		}
		if !lww.Accept(prev, exists, rec.Version()) {
			s.count("stale", kind)
			return false, nil
		}
		if err := s.backend.Put(s.ctx, rec); err != nil {
			return false, fmt.Errorf("failed to store %s %s: %w", kind, id, err)
		}
		s.count("applied", kind)
		s.emit(Change{Op: OpUpsert, Kind: kind, ID: id, Record: rec, Origin: origin})
		return true, nil
	})
}

// Patch merges the named fields into an existing record if stamp wins under
// LWW. Patching an unknown id returns ErrNotFound.
func (s *Store) Patch(ctx context.Context, kind schema.Kind, id string, fields delta.Fields, stamp schema.Stamp) (bool, error) {
	if id == "" {
		return false, &schema.ValidationError{Kind: kind, Field: "id", Reason: "is required"}
	}
	if !stamp.Valid() {
		return false, &schema.ValidationError{Kind: kind, Field: "updatedAt", Reason: "not a normalized timestamp: " + string(stamp)}
	}
	if err := delta.CheckFields(kind, fields); err != nil {
		return false, err
	}
	origin := OriginFrom(ctx)

	return exec(ctx, s, func() (bool, error) {
		existing, exists, err := s.current(kind, id)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("failed to patch %s %s: %w", kind, id, ErrNotFound)
		}
		if !lww.Accept(existing.Version(), true, stamp) {
			s.count("stale", kind)
			return false, nil
		}
		merged, err := delta.ApplyPatch(existing, fields)
		if err != nil {
			return false, err
		}
		merged.SetVersion(stamp)
		if err := merged.Validate(); err != nil {
			return false, err
		}
		if err := s.backend.Put(s.ctx, merged); err != nil {
			return false, fmt.Errorf("failed to store %s %s: %w", kind, id, err)
		}
		s.count("applied", kind)
		s.emit(Change{Op: OpPatch, Kind: kind, ID: id, Record: merged, Fields: fields, Origin: origin})
		return true, nil
	})
}

// AppendOutput appends a generated chunk to a task's output and returns the
// accumulated text. It bypasses the LWW gate: the stored stamp is replaced
// by stamp, or by the next stamp after the stored one when stamp would not
// advance it, so updatedAt never decreases. No history entry is written.
//
// A non-empty runID must match the task's claim and the task must still be
// generating, otherwise ErrClaimLost is returned and nothing is written.
func (s *Store) AppendOutput(ctx context.Context, taskID, runID, chunk string, stamp schema.Stamp) (string, error) {
	origin := OriginFrom(ctx)
	return exec(ctx, s, func() (string, error) {
		existing, exists, err := s.current(schema.KindTask, taskID)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("failed to append output to task %s: %w", taskID, ErrNotFound)
		}
		task := existing.(*schema.Task)
		if runID != "" && (task.Status != schema.StatusGenerating || task.RunID != runID) {
			return "", fmt.Errorf("failed to append output to task %s: %w", taskID, ErrClaimLost)
		}
		task.Output += chunk
		if !stamp.Valid() || stamp <= task.UpdatedAt {
			stamp = schema.NextStamp(task.UpdatedAt)
		}
		task.UpdatedAt = stamp
		if err := s.backend.Put(s.ctx, task); err != nil {
			return "", fmt.Errorf("failed to store task %s: %w", taskID, err)
		}
		s.count("stream", schema.KindTask)
		s.emit(Change{Op: OpStream, Kind: schema.KindTask, ID: taskID, Record: task, Chunk: chunk, Origin: origin})
		return task.Output, nil
	})
}

// Modify applies fn to a copy of the stored record on the writer goroutine
// and stores the result as a patch stamped after the stored version. fn
// returns ErrSkip to leave the record alone, in which case applied is false.
func (s *Store) Modify(ctx context.Context, kind schema.Kind, id string, fn func(schema.Record) error) (bool, error) {
	origin := OriginFrom(ctx)
	return exec(ctx, s, func() (bool, error) {
		return s.modify(kind, id, origin, "", fn)
	})
}

func (s *Store) modify(kind schema.Kind, id, origin string, stamp schema.Stamp, fn func(schema.Record) error) (bool, error) {
	existing, exists, err := s.current(kind, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("failed to modify %s %s: %w", kind, id, ErrNotFound)
	}
	next, err := schema.Clone(existing)
	if err != nil {
		return false, err
	}
	if err := fn(next); err != nil {
		if errors.Is(err, ErrSkip) {
			return false, nil
		}
		return false, err
	}
	if !stamp.Valid() || stamp <= existing.Version() {
		stamp = schema.NextStamp(existing.Version())
	}
	next.SetVersion(stamp)
	if err := next.Validate(); err != nil {
		return false, err
	}
	fields, err := delta.Diff(existing, next)
	if err != nil {
		return false, err
	}
	if err := s.backend.Put(s.ctx, next); err != nil {
		return false, fmt.Errorf("failed to store %s %s: %w", kind, id, err)
	}
	s.count("applied", kind)
	s.emit(Change{Op: OpPatch, Kind: kind, ID: id, Record: next, Fields: fields, Origin: origin})
	return true, nil
}

// Transition moves a task from one status to another only if its stored
// status is still from. It is the mutual-exclusion gate for task claims:
// of two concurrent claims on the same queued task exactly one applies.
// A non-empty entry is appended to the task history; mutate may adjust
// other fields in the same write, or return ErrSkip to veto it.
func (s *Store) Transition(ctx context.Context, taskID string, from, to schema.Status, stamp schema.Stamp, entry schema.HistoryEntry, mutate ...func(*schema.Task) error) (bool, error) {
	if err := schema.CheckTransition(from, to); err != nil {
		return false, err
	}
	origin := OriginFrom(ctx)
	return exec(ctx, s, func() (bool, error) {
		return s.modify(schema.KindTask, taskID, origin, stamp, func(rec schema.Record) error {
			task := rec.(*schema.Task)
			if task.Status != from {
				return ErrSkip
			}
			task.Status = to
			for _, fn := range mutate {
				if err := fn(task); err != nil {
					return err
				}
			}
			if entry.Kind != "" {
				if entry.At.IsZero() {
					entry.At = stamp
				}
				if !entry.At.Valid() {
					entry.At = schema.Now()
				}
				task.History = append(task.History, entry)
			}
			return nil
		})
	})
}

// RequireRun is a Transition mutator that vetoes the transition unless the
// task's claim belongs to runID.
func RequireRun(runID string) func(*schema.Task) error {
	return func(t *schema.Task) error {
		if t.RunID != runID {
			return ErrSkip
		}
		return nil
	}
}
