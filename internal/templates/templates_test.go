package templates

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/quill/internal/logging"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "launch.yaml")
	writeFile(t, yamlPath, "name: Launch post\ncategory: marketing\ncontent: |\n  Announce it.\n")
	tomlPath := filepath.Join(dir, "digest.toml")
	writeFile(t, tomlPath, "id = \"weekly\"\nname = \"Weekly digest\"\ncontent = \"Summarize the week.\"\n")

	tpl, err := LoadFile(yamlPath)
	require.NoError(t, err)
	require.Equal(t, "launch", tpl.ID)
	require.Equal(t, "Launch post", tpl.Name)
	require.Equal(t, "marketing", tpl.Category)
	require.Equal(t, "Announce it.\n", tpl.Content)

	info, err := os.Stat(yamlPath)
	require.NoError(t, err)
	require.Equal(t, schema.StampOf(info.ModTime()), tpl.UpdatedAt)

	tpl, err = LoadFile(tomlPath)
	require.NoError(t, err)
	require.Equal(t, "weekly", tpl.ID)
	require.Equal(t, "Summarize the week.", tpl.Content)
}

func TestLoadDirReportsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yml"), "name: A\n")
	writeFile(t, filepath.Join(dir, "broken.yaml"), "name: [unclosed\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	tpls, errs := LoadDir(dir)
	require.Len(t, tpls, 1)
	require.Equal(t, "a", tpls[0].ID)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "broken.yaml")
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(store.NewMemory(), store.Config{Logger: logging.Discard()})
	t.Cleanup(func() { st.Close() })
	return st
}

func getTemplate(st *store.Store, id string) *schema.Template {
	rec, err := st.Get(context.Background(), schema.KindTemplate, id)
	if err != nil {
		return nil
	}
	return rec.(*schema.Template)
}

func TestSyncRespectsNewerStoreEdits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "intro.yaml"), "name: From file\n")
	st := newStore(t)
	w, err := NewWatcher(st, dir, &Config{Logger: logging.Discard()})
	require.NoError(t, err)
	ctx := context.Background()

	n, err := w.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// An edit made in the app after the file was written wins.
	_, err = st.Upsert(ctx, &schema.Template{ID: "intro", Name: "Edited in app", UpdatedAt: schema.NextStamp(getTemplate(st, "intro").UpdatedAt)})
	require.NoError(t, err)
	n, err = w.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, "Edited in app", getTemplate(st, "intro").Name)
}

func TestRunFollowsFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intro.yaml")
	writeFile(t, path, "name: First\n")
	st := newStore(t)
	w, err := NewWatcher(st, dir, &Config{Debounce: 40 * time.Millisecond, Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return getTemplate(st, "intro") != nil }, 2*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(dir, "outro.toml"), "name = \"Outro\"\n")
	require.Eventually(t, func() bool { return getTemplate(st, "outro") != nil }, 2*time.Second, 10*time.Millisecond)

	writeFile(t, path, "name: Second\n")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	require.Eventually(t, func() bool {
		tpl := getTemplate(st, "intro")
		return tpl != nil && tpl.Name == "Second"
	}, 2*time.Second, 10*time.Millisecond)
}
