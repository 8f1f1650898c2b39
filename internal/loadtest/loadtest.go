// Package loadtest drives a sync server with many concurrent replicas.
//
// A Cluster is a real server (SQLite store, hub and WebSocket endpoint on a
// loopback port) plus N replicas, each with its own SQLite file. Writers
// create tasks through their replica; latency is measured from the local
// write until the server store commits it, which includes the replica's
// debounce window and one WebSocket round trip.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/quill/internal/hub"
	"github.com/Mschirtzinger/quill/internal/replica"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/store/sqlite"
	"github.com/Mschirtzinger/quill/internal/syncserver"
)

// ProjectID is the project every generated task belongs to.
const ProjectID = "loadtest"

// Config sizes a cluster.
type Config struct {
	// Dir holds the server and replica databases.
	Dir string

	// Clients is the number of replicas.
	Clients int

	// Debounce is each replica's outbound debounce (default: 10ms).
	Debounce time.Duration

	// Logger for cluster components (default: discard).
	Logger *log.Logger
}

// Cluster is a running server with connected replicas.
type Cluster struct {
	Store    *store.Store
	Hub      *hub.Hub
	Server   *syncserver.Server
	URL      string
	Replicas []*replica.Replica

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LatencyStats captures write-to-commit latency.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalWrites int
	Errors      int
	Elapsed     time.Duration
	Durations   []time.Duration `json:"-"`
}

// Start launches the server and cfg.Clients replicas, and waits until
// every replica holds a live session.
func Start(ctx context.Context, cfg Config) (*Cluster, error) {
	if cfg.Clients <= 0 {
		return nil, fmt.Errorf("clients must be positive")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	db, err := sqlite.OpenContext(ctx, filepath.Join(cfg.Dir, "server.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}
	st := store.New(db, store.Config{Logger: cfg.Logger})
	h := hub.New(hub.Config{Logger: cfg.Logger})
	srv := syncserver.NewServer(st, h, &syncserver.Config{Addr: "127.0.0.1:0", Logger: cfg.Logger})
	if err := srv.Start(); err != nil {
		h.Close()
		_ = st.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		Store:  st,
		Hub:    h,
		Server: srv,
		URL:    "http://" + srv.GetAddr(),
		cancel: cancel,
	}

	now := schema.Now()
	if _, err := st.Upsert(ctx, &schema.Project{ID: ProjectID, Name: "Load test", UpdatedAt: now}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to seed project: %w", err)
	}

	for i := 0; i < cfg.Clients; i++ {
		r, err := replica.Open(ctx, replica.Config{
			ServerURL: c.URL,
			Path:      filepath.Join(cfg.Dir, fmt.Sprintf("replica-%03d.db", i)),
			Debounce:  cfg.Debounce,
			ClientID:  fmt.Sprintf("loadtest-%03d", i),
			Logger:    cfg.Logger,
		})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to open replica %d: %w", i, err)
		}
		c.Replicas = append(c.Replicas, r)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = r.Run(runCtx)
		}()
	}

	if err := waitFor(ctx, 10*time.Second, func() bool { return h.Count() == cfg.Clients }); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("only %d of %d replicas connected: %w", h.Count(), cfg.Clients, err)
	}
	return c, nil
}

// Close disconnects every replica and stops the server.
func (c *Cluster) Close() error {
	c.cancel()
	c.wg.Wait()
	for _, r := range c.Replicas {
		_ = r.Close()
	}
	err := c.Server.Stop()
	c.Hub.Close()
	if cerr := c.Store.Close(); err == nil {
		err = cerr
	}
	return err
}

// RunConcurrentWrites has every replica create writesPerClient tasks
// concurrently and waits until the server committed all of them.
func (c *Cluster) RunConcurrentWrites(ctx context.Context, writesPerClient int) (*LatencyStats, error) {
	total := len(c.Replicas) * writesPerClient

	var startMu sync.Mutex
	started := make(map[string]time.Time, total)

	changes, unsubscribe := c.Store.Subscribe()
	defer unsubscribe()

	committed := make(chan time.Duration, total)
	collectCtx, stopCollect := context.WithCancel(ctx)
	defer stopCollect()
	go func() {
		for {
			select {
			case <-collectCtx.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				if ch.Kind != schema.KindTask || ch.Op != store.OpUpsert {
					continue
				}
				startMu.Lock()
				at, ok := started[ch.ID]
				delete(started, ch.ID)
				startMu.Unlock()
				if ok {
					committed <- time.Since(at)
				}
			}
		}
	}()

	begin := time.Now()
	var wg sync.WaitGroup
	errorsChan := make(chan error, total)
	for i, r := range c.Replicas {
		wg.Add(1)
		go func(clientID int, r *replica.Replica) {
			defer wg.Done()
			for j := 0; j < writesPerClient; j++ {
				now := schema.Now()
				task := &schema.Task{
					ID:        uuid.NewString(),
					ProjectID: ProjectID,
					Title:     fmt.Sprintf("client %d task %d", clientID, j),
					Status:    schema.StatusDraft,
					CreatedAt: now,
					UpdatedAt: now,
				}
				startMu.Lock()
				started[task.ID] = time.Now()
				startMu.Unlock()
				if err := r.Write(ctx, task); err != nil {
					startMu.Lock()
					delete(started, task.ID)
					startMu.Unlock()
					errorsChan <- fmt.Errorf("client %d write %d failed: %w", clientID, j, err)
				}
			}
		}(i, r)
	}
	wg.Wait()
	close(errorsChan)

	errorCount := 0
	for range errorsChan {
		errorCount++
	}

	durations := make([]time.Duration, 0, total)
	want := total - errorCount
	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()
	for len(durations) < want {
		select {
		case d := <-committed:
			durations = append(durations, d)
		case <-timeout.C:
			return nil, fmt.Errorf("server committed %d of %d writes before timing out", len(durations), want)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("no successful writes completed")
	}

	stats := computeLatencyStats(durations)
	stats.Errors = errorCount
	stats.Elapsed = time.Since(begin)
	return stats, nil
}

// VerifyConvergence waits until every replica holds exactly the server's
// tasks at the server's versions.
func (c *Cluster) VerifyConvergence(ctx context.Context, timeout time.Duration) error {
	var lastErr error
	err := waitFor(ctx, timeout, func() bool {
		lastErr = c.diff(ctx)
		return lastErr == nil
	})
	if err != nil {
		return fmt.Errorf("replicas did not converge: %w", lastErr)
	}
	return nil
}

func (c *Cluster) diff(ctx context.Context) error {
	want, err := versions(ctx, c.Store.List)
	if err != nil {
		return err
	}
	for i, r := range c.Replicas {
		got, err := versions(ctx, r.List)
		if err != nil {
			return err
		}
		if len(got) != len(want) {
			return fmt.Errorf("replica %d has %d tasks, server has %d", i, len(got), len(want))
		}
		for id, stamp := range want {
			if got[id] != stamp {
				return fmt.Errorf("replica %d has task %s at %q, server at %q", i, id, got[id], stamp)
			}
		}
	}
	return nil
}

type lister func(context.Context, schema.Kind, store.Filter) ([]schema.Record, error)

func versions(ctx context.Context, list lister) (map[string]schema.Stamp, error) {
	recs, err := list(ctx, schema.KindTask, store.Filter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.Stamp, len(recs))
	for _, rec := range recs {
		out[rec.Key()] = rec.Version()
	}
	return out, nil
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalWrites: len(durations),
		Durations:   sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Write-to-commit latency:\n")
	fmt.Fprintf(w, "  Total Writes:  %d\n", s.TotalWrites)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Elapsed:       %v\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
