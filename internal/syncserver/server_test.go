package syncserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/quill/internal/hub"
	"github.com/Mschirtzinger/quill/internal/logging"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/wire"
)

type testEnv struct {
	store  *store.Store
	hub    *hub.Hub
	server *Server
	base   string
}

func startServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st := store.New(store.NewMemory(), store.Config{Logger: logging.Discard()})
	h := hub.New(hub.Config{Logger: logging.Discard()})
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = logging.Discard()
	srv := NewServer(st, h, &cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Stop()
		h.Close()
		_ = st.Close()
	})
	return &testEnv{store: st, hub: h, server: srv, base: srv.GetAddr()}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	before := e.server.ClientCount()
	conn, _, err := websocket.Dial(ctx, "ws://"+e.base+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	deadline := time.Now().Add(2 * time.Second)
	for e.server.ClientCount() <= before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ wire.MessageType, payload any) {
	t.Helper()
	frame, err := wire.Encode(typ, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

func read(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	return msg
}

func upsertFrame(t *testing.T, rec schema.Record) wire.UpsertEntity {
	t.Helper()
	u, err := wire.NewUpsert(rec)
	require.NoError(t, err)
	return u
}

func stampAt(sec int) schema.Stamp {
	return schema.StampOf(time.Date(2024, 6, 1, 9, 0, sec, 0, time.UTC))
}

func queuedTask(sec int) *schema.Task {
	return &schema.Task{
		ID: "t1", ProjectID: "p1", Title: "Launch", Status: schema.StatusQueued,
		CreatedAt: stampAt(0), UpdatedAt: stampAt(sec),
	}
}

// syncState asks for a full snapshot and returns it; the response must be
// the next frame the connection receives.
func syncState(t *testing.T, conn *websocket.Conn) *store.Snapshot {
	t.Helper()
	send(t, conn, wire.TypeSyncRequest, wire.SyncRequest{})
	msg := read(t, conn)
	require.Equal(t, wire.TypeSyncResponse, msg.Type)
	var snap store.Snapshot
	require.NoError(t, msg.Payload(&snap))
	return &snap
}

func TestQueuedTaskScenario(t *testing.T) {
	env := startServer(t, Config{})
	a := env.dial(t)
	b := env.dial(t)

	send(t, a, wire.TypeUpsertEntity, upsertFrame(t, queuedTask(1)))

	msg := read(t, b)
	require.Equal(t, wire.TypeEntityUpdated, msg.Type)
	var up wire.EntityUpdated
	require.NoError(t, msg.Payload(&up))
	rec, err := up.Decode()
	require.NoError(t, err)
	require.Equal(t, schema.StatusQueued, rec.(*schema.Task).Status)

	// B writes an older version: silently dropped, no error to B and no
	// broadcast to A.
	stale := queuedTask(0)
	stale.Status = schema.StatusDraft
	send(t, b, wire.TypeUpsertEntity, upsertFrame(t, stale))

	snapB := syncState(t, b)
	require.Len(t, snapB.Tasks, 1)
	require.Equal(t, stampAt(1), snapB.Tasks[0].UpdatedAt)

	// A never saw its own write echoed nor B's stale write.
	snapA := syncState(t, a)
	require.Equal(t, schema.StatusQueued, snapA.Tasks[0].Status)
}

func TestPatchBroadcast(t *testing.T) {
	env := startServer(t, Config{})
	a := env.dial(t)
	b := env.dial(t)

	_, err := env.store.Upsert(context.Background(), queuedTask(1))
	require.NoError(t, err)
	require.Equal(t, wire.TypeEntityUpdated, read(t, a).Type)
	require.Equal(t, wire.TypeEntityUpdated, read(t, b).Type)

	send(t, a, wire.TypePatchEntity, wire.PatchEntity{
		Kind: schema.KindTask, ID: "t1",
		Fields:    map[string]json.RawMessage{"title": json.RawMessage(`"Relaunch"`)},
		UpdatedAt: stampAt(2),
	})

	msg := read(t, b)
	require.Equal(t, wire.TypeEntityPatched, msg.Type)
	var p wire.EntityPatched
	require.NoError(t, msg.Payload(&p))
	require.Equal(t, []string{"title"}, p.Fields.Names())
	require.Equal(t, stampAt(2), p.UpdatedAt)

	got, err := env.store.Get(context.Background(), schema.KindTask, "t1")
	require.NoError(t, err)
	require.Equal(t, "Relaunch", got.(*schema.Task).Title)
	require.Equal(t, schema.StatusQueued, got.(*schema.Task).Status)
}

func TestValidationErrorGoesToSenderOnly(t *testing.T) {
	env := startServer(t, Config{})
	a := env.dial(t)
	b := env.dial(t)

	bad := queuedTask(1)
	bad.Status = "researching"
	send(t, a, wire.TypeUpsertEntity, upsertFrame(t, bad))

	msg := read(t, a)
	require.Equal(t, wire.TypeError, msg.Type)
	var e wire.Error
	require.NoError(t, msg.Payload(&e))
	require.Equal(t, wire.CodeValidation, e.Code)
	require.Equal(t, "t1", e.ID)

	snap := syncState(t, b)
	require.Empty(t, snap.Tasks)
}

func TestPatchUnknownEntity(t *testing.T) {
	env := startServer(t, Config{})
	a := env.dial(t)
	send(t, a, wire.TypePatchEntity, wire.PatchEntity{
		Kind: schema.KindTask, ID: "ghost",
		Fields:    map[string]json.RawMessage{"title": json.RawMessage(`"x"`)},
		UpdatedAt: stampAt(1),
	})
	msg := read(t, a)
	var e wire.Error
	require.NoError(t, msg.Payload(&e))
	require.Equal(t, wire.CodeNotFound, e.Code)
}

func TestHelloHandshake(t *testing.T) {
	env := startServer(t, Config{})
	conn := env.dial(t)

	send(t, conn, wire.TypeHello, wire.Hello{Protocol: "v1.0.0", ClientID: "replica-1"})
	msg := read(t, conn)
	require.Equal(t, wire.TypeWelcome, msg.Type)
	var w wire.Welcome
	require.NoError(t, msg.Payload(&w))
	require.NotEmpty(t, w.ConnID)

	send(t, conn, wire.TypeHello, wire.Hello{Protocol: "v2.0.0"})
	msg = read(t, conn)
	require.Equal(t, wire.TypeError, msg.Type)
}

func TestStreamChunkReachesEveryone(t *testing.T) {
	env := startServer(t, Config{})
	a := env.dial(t)

	_, err := env.store.Upsert(context.Background(), queuedTask(1))
	require.NoError(t, err)
	require.Equal(t, wire.TypeEntityUpdated, read(t, a).Type)

	_, err = env.store.AppendOutput(context.Background(), "t1", "", "Hello", "")
	require.NoError(t, err)
	_, err = env.store.AppendOutput(context.Background(), "t1", "", " world", "")
	require.NoError(t, err)

	var chunks []wire.StreamChunk
	for i := 0; i < 2; i++ {
		msg := read(t, a)
		require.Equal(t, wire.TypeStreamChunk, msg.Type)
		var c wire.StreamChunk
		require.NoError(t, msg.Payload(&c))
		chunks = append(chunks, c)
	}
	require.Equal(t, "Hello world", chunks[1].Accumulated)
	require.Equal(t, " world", chunks[1].Chunk)
	require.Greater(t, string(chunks[1].UpdatedAt), string(chunks[0].UpdatedAt))
}

func conditionalGet(t *testing.T, url, etag string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func TestSnapshotETagChangesOnOlderStampedWrite(t *testing.T) {
	env := startServer(t, Config{})
	ctx := context.Background()
	_, err := env.store.Upsert(ctx, &schema.Project{ID: "p1", Name: "Blog", UpdatedAt: stampAt(10)})
	require.NoError(t, err)

	url := "http://" + env.base + "/api/v1/snapshot"
	first := conditionalGet(t, url, `"none"`)
	require.Equal(t, http.StatusOK, first.StatusCode)
	etag := first.Header.Get("ETag")

	applied, err := env.store.Upsert(ctx, &schema.Project{ID: "p2", Name: "Late", UpdatedAt: stampAt(1)})
	require.NoError(t, err)
	require.True(t, applied)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, etag, resp.Header.Get("ETag"))
	require.Equal(t, http.StatusOK, conditionalGet(t, url, etag).StatusCode)

	var snap store.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Projects, 2)
}

func TestSnapshotEndpoint(t *testing.T) {
	env := startServer(t, Config{SnapshotMaxAge: 10 * time.Second})
	ctx := context.Background()
	_, err := env.store.Upsert(ctx, &schema.Project{ID: "p1", Name: "Blog", UpdatedAt: stampAt(1)})
	require.NoError(t, err)
	_, err = env.store.Upsert(ctx, queuedTask(2))
	require.NoError(t, err)

	url := "http://" + env.base + "/api/v1/snapshot"
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "private, max-age=10", resp.Header.Get("Cache-Control"))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	var snap store.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Projects, 1)
	require.Len(t, snap.Tasks, 1)
	require.Equal(t, stampAt(2), snap.Cursor)

	require.Equal(t, http.StatusNotModified, conditionalGet(t, url, etag).StatusCode)

	since := conditionalGet(t, url+"?since="+string(snap.Cursor), etag)
	require.Equal(t, http.StatusOK, since.StatusCode, "a different since must not reuse the full snapshot's tag")
	require.NotEqual(t, etag, since.Header.Get("ETag"))

	resp3, err := http.Get(url + "?since=" + string(stampAt(1)))
	require.NoError(t, err)
	defer resp3.Body.Close()
	var delta store.Snapshot
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&delta))
	require.Empty(t, delta.Projects)
	require.Len(t, delta.Tasks, 1)

	resp4, err := http.Get(url + "?since=yesterday")
	require.NoError(t, err)
	resp4.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

func TestHTTPUpsertRoleCheck(t *testing.T) {
	env := startServer(t, Config{RequireRole: true})
	watcher := env.dial(t)

	body, err := json.Marshal(queuedTask(1))
	require.NoError(t, err)
	url := "http://" + env.base + "/api/v1/tasks"

	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(string(body)))
	req.Header.Set(RoleHeader, "editor")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var result writeResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	require.True(t, result.Applied)

	require.Equal(t, wire.TypeEntityUpdated, read(t, watcher).Type)

	req, _ = http.NewRequest(http.MethodPost, url, strings.NewReader(`{"id":"t2"}`))
	req.Header.Set(RoleHeader, "admin")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := startServer(t, Config{})
	env.dial(t)
	resp, err := http.Get("http://" + env.base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 1, body["clients"])
}
