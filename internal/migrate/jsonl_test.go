package migrate

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mschirtzinger/quill/internal/logging"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(store.NewMemory(), store.Config{Logger: logging.Discard()})
	t.Cleanup(func() { st.Close() })
	return st
}

func seedStore(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	stamp := schema.MustStamp("2024-01-01T00:00:00Z")
	recs := []schema.Record{
		&schema.Project{ID: "p1", Name: "Blog", UpdatedAt: stamp},
		&schema.Template{ID: "tpl", Name: "Intro", Content: "Hi", UpdatedAt: stamp},
		&schema.Task{ID: "t1", ProjectID: "p1", Title: "Post", Status: schema.StatusDraft, CreatedAt: stamp, UpdatedAt: stamp},
	}
	for _, rec := range recs {
		if _, err := st.Upsert(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", rec.Key(), err)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newStore(t)
	seedStore(t, src)
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := Export(ctx, src, &buf)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("exported %d records, want 3", n)
	}
	if first := strings.SplitN(buf.String(), "\n", 2)[0]; !strings.HasPrefix(first, `{"kind":"project"`) {
		t.Errorf("first line = %s, want the project", first)
	}

	dst := newStore(t)
	result, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()), ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Read != 3 || result.Applied != 3 || len(result.Errors) != 0 {
		t.Errorf("result = %+v", result)
	}

	// Importing the same export again changes nothing.
	result, err = Import(ctx, dst, bytes.NewReader(buf.Bytes()), ImportOptions{})
	if err != nil {
		t.Fatalf("second Import failed: %v", err)
	}
	if result.Applied != 0 || result.Stale != 3 {
		t.Errorf("re-import result = %+v", result)
	}
}

func TestImportReportsBadLines(t *testing.T) {
	st := newStore(t)
	input := strings.Join([]string{
		`{"kind":"project","record":{"id":"p1","name":"Blog","updatedAt":"2024-01-01T00:00:00Z"}}`,
		`{"kind":"task","record":{"id":"t1","title":"no project","status":"draft"}}`,
		`{"kind":"widget","record":{}}`,
		`{"kind":"task","record":{"id":"t2","projectId":"p1","title":"x","status":"backlog","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}}`,
	}, "\n")

	result, err := Import(context.Background(), st, strings.NewReader(input), ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Read != 4 || result.Applied != 1 || len(result.Errors) != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestImportDryRun(t *testing.T) {
	src := newStore(t)
	seedStore(t, src)
	var buf bytes.Buffer
	if _, err := Export(context.Background(), src, &buf); err != nil {
		t.Fatal(err)
	}

	dst := newStore(t)
	result, err := Import(context.Background(), dst, &buf, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Read != 3 || result.Applied != 0 {
		t.Errorf("result = %+v", result)
	}
	if _, err := dst.Get(context.Background(), schema.KindProject, "p1"); err == nil {
		t.Error("dry run wrote to the store")
	}
}

func TestImportInvalidJSON(t *testing.T) {
	_, err := Import(context.Background(), newStore(t), strings.NewReader("{not json"), ImportOptions{})
	if err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestExportFileIsAtomic(t *testing.T) {
	st := newStore(t)
	seedStore(t, st)
	path := filepath.Join(t.TempDir(), "out", "export.jsonl")

	n, err := ExportFile(context.Background(), st, path)
	if err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	result, err := ImportFile(context.Background(), newStore(t), path, ImportOptions{})
	if err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if result.Applied != n {
		t.Errorf("imported %d of %d records", result.Applied, n)
	}
}
