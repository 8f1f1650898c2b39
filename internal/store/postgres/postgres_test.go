package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/quill/internal/logging"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("QUILL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("QUILL_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStoreOverPostgres(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := store.New(db, store.Config{Logger: logging.Discard()})
	defer s.Close()

	id := uuid.NewString()
	base := time.Now().UTC()
	task := &schema.Task{
		ID: id, ProjectID: "p-" + id, Title: "pg", Status: schema.StatusQueued,
		CreatedAt: schema.StampOf(base), UpdatedAt: schema.StampOf(base.Add(time.Second)),
	}
	applied, err := s.Upsert(ctx, task)
	require.NoError(t, err)
	require.True(t, applied)

	older := *task
	older.Title = "older"
	older.UpdatedAt = schema.StampOf(base)
	applied, err = s.Upsert(ctx, &older)
	require.NoError(t, err)
	require.False(t, applied)

	recs, err := s.List(ctx, schema.KindTask, store.Filter{ProjectID: "p-" + id, Status: schema.StatusQueued})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "pg", recs[0].(*schema.Task).Title)

	cursor, err := s.Cursor(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, string(cursor), string(task.UpdatedAt))

	_, err = db.Get(ctx, schema.KindProject, uuid.NewString())
	require.True(t, errors.Is(err, store.ErrNotFound))
}
