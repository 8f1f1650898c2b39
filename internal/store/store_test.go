package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/quill/internal/delta"
	"github.com/Mschirtzinger/quill/internal/logging"
	"github.com/Mschirtzinger/quill/internal/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(NewMemory(), Config{Logger: logging.Discard()})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stamp(sec int) schema.Stamp {
	return schema.StampOf(time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC))
}

func task(id string, sec int, title string) *schema.Task {
	return &schema.Task{
		ID: id, ProjectID: "p1", Title: title, Status: schema.StatusDraft,
		CreatedAt: stamp(0), UpdatedAt: stamp(sec),
	}
}

func TestUpsertLWW(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	applied, err := s.Upsert(ctx, task("t1", 2, "second"))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.Upsert(ctx, task("t1", 1, "first"))
	require.NoError(t, err)
	require.False(t, applied, "older write must be a silent no-op")

	applied, err = s.Upsert(ctx, task("t1", 2, "tie"))
	require.NoError(t, err)
	require.False(t, applied, "equal stamp must be rejected")

	got, err := s.Get(ctx, schema.KindTask, "t1")
	require.NoError(t, err)
	require.Equal(t, "second", got.(*schema.Task).Title)
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	bad := task("t1", 1, "")
	_, err := s.Upsert(context.Background(), bad)
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = s.Get(context.Background(), schema.KindTask, "t1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConvergenceUnderPermutation(t *testing.T) {
	ctx := context.Background()
	writes := []*schema.Task{
		task("t1", 1, "a"), task("t1", 5, "b"), task("t1", 3, "c"),
		task("t2", 2, "d"), task("t2", 4, "e"), task("t1", 5, "b"),
	}
	want := map[string]string{"t1": "b", "t2": "e"}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		order := rng.Perm(len(writes))
		s := New(NewMemory(), Config{Logger: logging.Discard()})
		for _, idx := range order {
			_, err := s.Upsert(ctx, writes[idx])
			require.NoError(t, err)
		}
		for id, title := range want {
			got, err := s.Get(ctx, schema.KindTask, id)
			require.NoError(t, err)
			require.Equal(t, title, got.(*schema.Task).Title, "permutation %v", order)
		}
		require.NoError(t, s.Close())
	}
}

func TestIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	changes, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := s.Upsert(ctx, task("t1", 1, "same"))
		require.NoError(t, err)
	}
	require.Len(t, changes, 1, "redelivery must not emit further changes")
}

func TestMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rng := rand.New(rand.NewSource(7))

	var last schema.Stamp
	for i := 0; i < 50; i++ {
		_, err := s.Upsert(ctx, task("t1", rng.Intn(30), fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		got, err := s.Get(ctx, schema.KindTask, "t1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, string(got.Version()), string(last))
		last = got.Version()
	}
}

func TestPatchIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := task("t1", 1, "title")
	base.Output = "existing body"
	base.Tags = []string{"keep"}
	_, err := s.Upsert(ctx, base)
	require.NoError(t, err)

	fields, err := delta.Encode(map[string]any{"title": "renamed"})
	require.NoError(t, err)
	applied, err := s.Patch(ctx, schema.KindTask, "t1", fields, stamp(2))
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.Get(ctx, schema.KindTask, "t1")
	require.NoError(t, err)
	tk := got.(*schema.Task)
	require.Equal(t, "renamed", tk.Title)
	require.Equal(t, "existing body", tk.Output)
	require.Equal(t, []string{"keep"}, tk.Tags)
	require.Equal(t, stamp(2), tk.UpdatedAt)

	applied, err = s.Patch(ctx, schema.KindTask, "t1", fields, stamp(2))
	require.NoError(t, err)
	require.False(t, applied, "equal-stamp patch must be rejected")
}

func TestPatchErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Upsert(ctx, task("t1", 1, "title"))
	require.NoError(t, err)

	_, err = s.Patch(ctx, schema.KindTask, "missing", delta.Fields{"title": json.RawMessage(`"x"`)}, stamp(2))
	require.ErrorIs(t, err, ErrNotFound)

	var ve *schema.ValidationError
	_, err = s.Patch(ctx, schema.KindTask, "t1", delta.Fields{"bogus": json.RawMessage(`1`)}, stamp(2))
	require.True(t, errors.As(err, &ve))

	_, err = s.Patch(ctx, schema.KindTask, "t1", delta.Fields{"status": json.RawMessage(`"backlog"`)}, stamp(2))
	require.True(t, errors.As(err, &ve), "legacy status must be rejected, got %v", err)

	_, err = s.Patch(ctx, schema.KindTask, "t1", delta.Fields{"title": json.RawMessage(`"x"`)}, "yesterday")
	require.True(t, errors.As(err, &ve))
}

func TestTransitionIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	queued := task("t1", 1, "title")
	queued.Status = schema.StatusQueued
	_, err := s.Upsert(ctx, queued)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, "t1", schema.StatusQueued, schema.StatusGenerating, "",
				schema.HistoryEntry{Kind: schema.HistoryGenerating})
			if err != nil {
				t.Errorf("Transition failed: %v", err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	got, err := s.Get(ctx, schema.KindTask, "t1")
	require.NoError(t, err)
	tk := got.(*schema.Task)
	require.Equal(t, schema.StatusGenerating, tk.Status)
	require.Len(t, tk.History, 1)
	require.Greater(t, string(tk.UpdatedAt), string(stamp(1)))
}

func TestTransitionRejectsSkippedState(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Transition(context.Background(), "t1", schema.StatusDraft, schema.StatusDeployed, "", schema.HistoryEntry{})
	var ve *schema.ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestAppendOutputAccumulates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Upsert(ctx, task("t1", 10, "title"))
	require.NoError(t, err)

	acc, err := s.AppendOutput(ctx, "t1", "", "Hello", stamp(5))
	require.NoError(t, err)
	require.Equal(t, "Hello", acc)
	acc, err = s.AppendOutput(ctx, "t1", "", ", world", "")
	require.NoError(t, err)
	require.Equal(t, "Hello, world", acc)

	got, err := s.Get(ctx, schema.KindTask, "t1")
	require.NoError(t, err)
	tk := got.(*schema.Task)
	require.Equal(t, "Hello, world", tk.Output)
	require.Greater(t, string(tk.UpdatedAt), string(stamp(10)), "stream writes must not move updatedAt backwards")
	require.Empty(t, tk.History)
}

func TestAppendOutputRequiresClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	queued := task("t1", 1, "title")
	queued.Status = schema.StatusQueued
	_, err := s.Upsert(ctx, queued)
	require.NoError(t, err)

	_, err = s.AppendOutput(ctx, "t1", "run-a", "x", "")
	require.ErrorIs(t, err, ErrClaimLost, "queued task has no claim")

	ok, err := s.Transition(ctx, "t1", schema.StatusQueued, schema.StatusGenerating, "", schema.HistoryEntry{},
		func(tk *schema.Task) error { tk.RunID = "run-a"; return nil })
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.AppendOutput(ctx, "t1", "run-b", "x", "")
	require.ErrorIs(t, err, ErrClaimLost)
	acc, err := s.AppendOutput(ctx, "t1", "run-a", "x", "")
	require.NoError(t, err)
	require.Equal(t, "x", acc)

	ok, err = s.Transition(ctx, "t1", schema.StatusGenerating, schema.StatusDeployed, "", schema.HistoryEntry{},
		RequireRun("run-b"))
	require.NoError(t, err)
	require.False(t, ok, "a run that does not hold the claim cannot finish the task")
	ok, err = s.Transition(ctx, "t1", schema.StatusGenerating, schema.StatusDeployed, "", schema.HistoryEntry{},
		RequireRun("run-a"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.AppendOutput(ctx, "t1", "run-a", "late", "")
	require.ErrorIs(t, err, ErrClaimLost, "deployed task takes no more chunks")
}

func TestSubscribeCommitOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	changes, cancel := s.Subscribe()
	defer cancel()

	_, err := s.Upsert(WithOrigin(ctx, "conn-a"), task("t1", 1, "a"))
	require.NoError(t, err)
	fields, _ := delta.Encode(map[string]any{"title": "b"})
	_, err = s.Patch(ctx, schema.KindTask, "t1", fields, stamp(2))
	require.NoError(t, err)
	_, err = s.AppendOutput(ctx, "t1", "", "x", "")
	require.NoError(t, err)

	var got []Change
	for i := 0; i < 3; i++ {
		got = append(got, <-changes)
	}
	require.Equal(t, []Op{OpUpsert, OpPatch, OpStream}, []Op{got[0].Op, got[1].Op, got[2].Op})
	require.Equal(t, "conn-a", got[0].Origin)
	require.Equal(t, "", got[1].Origin)
	require.Equal(t, []string{"title"}, got[1].Fields.Names())
	require.Equal(t, "x", got[2].Chunk)
	require.Equal(t, got[0].Seq+2, got[2].Seq)
}

func TestModifySkip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Upsert(ctx, &schema.Project{ID: "p1", Name: "blog", UpdatedAt: stamp(1)})
	require.NoError(t, err)

	applied, err := s.Modify(ctx, schema.KindProject, "p1", func(schema.Record) error { return ErrSkip })
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = s.Modify(ctx, schema.KindProject, "p1", func(rec schema.Record) error {
		rec.(*schema.Project).LastRun = stamp(9)
		return nil
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestSnapshotSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Upsert(ctx, &schema.Project{ID: "p1", Name: "blog", UpdatedAt: stamp(1)})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, task("t1", 3, "a"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &schema.Template{ID: "tpl", Name: "x", UpdatedAt: stamp(2)})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, snap.Len())
	require.Equal(t, stamp(3), snap.Cursor)

	snap, err = s.Snapshot(ctx, stamp(1))
	require.NoError(t, err)
	require.Len(t, snap.Projects, 0)
	require.Len(t, snap.Tasks, 1)
	require.Len(t, snap.Templates, 1)

	snap, err = s.Snapshot(ctx, stamp(3))
	require.NoError(t, err)
	require.Equal(t, 0, snap.Len())
	require.Equal(t, stamp(3), snap.Cursor)
}

// listHookBackend runs onTaskList the first time tasks are listed.
type listHookBackend struct {
	*Memory
	once       sync.Once
	onTaskList func()
}

func (b *listHookBackend) List(ctx context.Context, kind schema.Kind, f Filter) ([]schema.Record, error) {
	if kind == schema.KindTask && b.onTaskList != nil {
		b.once.Do(b.onTaskList)
	}
	return b.Memory.List(ctx, kind, f)
}

func TestSnapshotWriteBetweenKindsIsNotSkipped(t *testing.T) {
	ctx := context.Background()
	backend := &listHookBackend{Memory: NewMemory()}
	s := New(backend, Config{Logger: logging.Discard()})
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.Upsert(ctx, &schema.Project{ID: "p1", Name: "blog", UpdatedAt: stamp(1)})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, task("t0", 2, "a"))
	require.NoError(t, err)

	// A project and a later task committed while the snapshot is between
	// its project and task reads.
	written := make(chan error, 1)
	backend.onTaskList = func() {
		go func() {
			if _, err := s.Upsert(ctx, &schema.Project{ID: "p2", Name: "late", UpdatedAt: stamp(5)}); err != nil {
				written <- err
				return
			}
			_, err := s.Upsert(ctx, task("t1", 6, "b"))
			written <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}

	first, err := s.Snapshot(ctx, "")
	require.NoError(t, err)
	require.NoError(t, <-written)
	next, err := s.Snapshot(ctx, first.Cursor)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, snap := range []*Snapshot{first, next} {
		for _, rec := range snap.Records() {
			seen[rec.Key()] = true
		}
	}
	for _, id := range []string{"p1", "p2", "t0", "t1"} {
		require.True(t, seen[id], "%s missing from snapshot followed by delta", id)
	}
}

func TestClosedStore(t *testing.T) {
	s := New(NewMemory(), Config{Logger: logging.Discard()})
	changes, _ := s.Subscribe()
	require.NoError(t, s.Close())
	_, ok := <-changes
	require.False(t, ok, "subscription should close with the store")

	_, err := s.Upsert(context.Background(), task("t1", 1, "a"))
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close())
}
