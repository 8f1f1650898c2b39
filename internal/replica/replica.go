// Package replica is the client-side cache that mirrors server state into
// a local SQLite file and keeps it converged with the server.
//
// Local writes apply optimistically through the same LWW store the server
// uses, then leave the replica as debounced deltas computed against the last
// server-acknowledged snapshot of each entity. Inbound broadcasts merge
// through the same resolver. Rejected optimistic writes are not rolled back:
// the newer server value simply wins when it arrives.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/store/sqlite"
)

const (
	metaCursor       = "sync_cursor"
	metaSnapshotETag = "snapshot_etag"
	metaClientID     = "client_id"
	metaPending      = "pending"

	// originRemote tags writes that came from the server so they are not
	// queued for sending back.
	originRemote = "remote"
)

// Config holds replica configuration.
type Config struct {
	// ServerURL is the sync server base URL, e.g. http://localhost:8080.
	ServerURL string

	// Path is the local SQLite file.
	Path string

	// Debounce is the quiet period before pending writes are sent
	// (default: 100ms).
	Debounce time.Duration

	// ClientID identifies this replica in the handshake (default: a
	// persisted random id).
	ClientID string

	// HTTPClient is used for snapshot pulls (default: 30s timeout client).
	HTTPClient *http.Client

	// Logger for replica activity (default: stderr with [replica] prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:  "http://localhost:8080",
		Path:       ".quill/replica.db",
		Debounce:   100 * time.Millisecond,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     log.New(os.Stderr, "[replica] ", log.LstdFlags),
	}
}

type entityKey struct {
	kind schema.Kind
	id   string
}

// Replica is a local mirror with an outbound delta queue.
type Replica struct {
	cfg    Config
	db     *sqlite.DB
	store  *store.Store
	logger *log.Logger

	// mu guards snapshots and pending.
	mu sync.Mutex
	// snapshots holds the last server-acknowledged version of each entity,
	// used only to compute outbound deltas.
	snapshots map[entityKey]schema.Record
	pending   map[entityKey]struct{}

	flushMu   sync.Mutex
	debouncer *debouncer

	connMu sync.Mutex
	conn   *websocket.Conn

	pulling atomic.Bool
}

// Open opens the local database at cfg.Path and returns a replica over it.
func Open(ctx context.Context, cfg Config) (*Replica, error) {
	def := DefaultConfig()
	if cfg.ServerURL == "" {
		cfg.ServerURL = def.ServerURL
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	db, err := sqlite.OpenContext(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica database: %w", err)
	}
	if cfg.ClientID == "" {
		id, err := db.GetMeta(ctx, metaClientID)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if id == "" {
			id = uuid.NewString()
			if err := db.SetMeta(ctx, metaClientID, id); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		cfg.ClientID = id
	}

	r := &Replica{
		cfg:       cfg,
		db:        db,
		store:     store.New(db, store.Config{Logger: cfg.Logger}),
		logger:    cfg.Logger,
		snapshots: make(map[entityKey]schema.Record),
		pending:   make(map[entityKey]struct{}),
	}
	r.debouncer = newDebouncer(cfg.Debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Flush(ctx); err != nil {
			r.logger.Printf("Flush failed: %v", err)
		}
	})
	if err := r.loadPending(ctx); err != nil {
		_ = r.store.Close()
		return nil, err
	}
	return r, nil
}

// Close drops pending timers and closes the local database. The set of
// unsent entities is persisted and re-sent after the next Open connects.
func (r *Replica) Close() error {
	r.debouncer.CancelAndWait()
	r.setConn(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.savePending(ctx); err != nil {
		r.logger.Printf("Failed to persist pending writes: %v", err)
	}
	return r.store.Close()
}

type pendingEntry struct {
	Kind schema.Kind `json:"kind"`
	ID   string      `json:"id"`
}

func (r *Replica) savePending(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]pendingEntry, 0, len(r.pending))
	for k := range r.pending {
		entries = append(entries, pendingEntry{Kind: k.kind, ID: k.id})
	}
	r.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return r.db.SetMeta(ctx, metaPending, string(data))
}

func (r *Replica) loadPending(ctx context.Context) error {
	raw, err := r.db.GetMeta(ctx, metaPending)
	if err != nil || raw == "" {
		return err
	}
	var entries []pendingEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("failed to decode pending writes: %w", err)
	}
	r.mu.Lock()
	for _, e := range entries {
		r.pending[entityKey{e.Kind, e.ID}] = struct{}{}
	}
	r.mu.Unlock()
	return nil
}

// ClientID returns the replica's handshake id.
func (r *Replica) ClientID() string { return r.cfg.ClientID }

// Store exposes the local store for reads and change subscriptions.
func (r *Replica) Store() *store.Store { return r.store }

// Get reads one record from the local mirror.
func (r *Replica) Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	return r.store.Get(ctx, kind, id)
}

// List reads records from the local mirror.
func (r *Replica) List(ctx context.Context, kind schema.Kind, f store.Filter) ([]schema.Record, error) {
	return r.store.List(ctx, kind, f)
}

// Pending returns the number of entities waiting to be sent.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Write applies rec locally and schedules it for sending. A missing or
// non-advancing updatedAt is replaced by a fresh stamp so the local write
// always wins locally.
func (r *Replica) Write(ctx context.Context, rec schema.Record) error {
	rec, err := schema.Clone(rec)
	if err != nil {
		return err
	}
	existing, err := r.store.Get(ctx, rec.Kind(), rec.Key())
	switch {
	case err == nil:
		if rec.Version() <= existing.Version() {
			rec.SetVersion(schema.NextStamp(existing.Version()))
		}
	case errors.Is(err, store.ErrNotFound):
		if !rec.Version().Valid() {
			rec.SetVersion(schema.Now())
		}
	default:
		return err
	}

	applied, err := r.store.Upsert(ctx, rec)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("local write to %s %s lost to a concurrent update", rec.Kind(), rec.Key())
	}
	r.markDirty(entityKey{rec.Kind(), rec.Key()})
	r.debouncer.Trigger()
	return nil
}

// Update loads a record, lets fn change it and writes it back.
func (r *Replica) Update(ctx context.Context, kind schema.Kind, id string, fn func(schema.Record) error) error {
	rec, err := r.store.Get(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	if err := fn(rec); err != nil {
		return err
	}
	return r.Write(ctx, rec)
}

// QueueTask moves a task to queued, the user's half of the lifecycle.
func (r *Replica) QueueTask(ctx context.Context, id string) error {
	return r.Update(ctx, schema.KindTask, id, func(rec schema.Record) error {
		task := rec.(*schema.Task)
		if err := schema.CheckTransition(task.Status, schema.StatusQueued); err != nil {
			return err
		}
		task.Status = schema.StatusQueued
		task.Error = ""
		task.Record(schema.Now(), schema.HistoryQueued, "")
		return nil
	})
}

func (r *Replica) markDirty(k entityKey) {
	r.mu.Lock()
	r.pending[k] = struct{}{}
	r.mu.Unlock()
}

func (r *Replica) currentConn() *websocket.Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

func (r *Replica) setConn(conn *websocket.Conn) {
	r.connMu.Lock()
	prev := r.conn
	r.conn = conn
	r.connMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close(websocket.StatusNormalClosure, "")
	}
}
