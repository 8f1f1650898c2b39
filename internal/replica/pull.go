package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

// Pull fetches everything changed since the persisted cursor over HTTP and
// merges it. It returns the number of records received; a 304 answer
// returns 0.
func (r *Replica) Pull(ctx context.Context) (int, error) {
	cursor, err := r.db.GetMeta(ctx, metaCursor)
	if err != nil {
		return 0, err
	}

	endpoint := strings.TrimRight(r.cfg.ServerURL, "/") + "/api/v1/snapshot"
	if cursor != "" {
		endpoint += "?since=" + url.QueryEscape(cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	etag, err := r.db.GetMeta(ctx, metaSnapshotETag)
	if err != nil {
		return 0, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return 0, nil
	case http.StatusOK:
	default:
		return 0, fmt.Errorf("snapshot request failed: %s", resp.Status)
	}

	var snap store.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	n, err := r.applySnapshot(store.WithOrigin(ctx, originRemote), &snap)
	if err != nil {
		return n, err
	}
	if tag := resp.Header.Get("ETag"); tag != "" && tag != etag {
		if err := r.db.SetMeta(ctx, metaSnapshotETag, tag); err != nil {
			return n, err
		}
	}
	return n, nil
}

// applySnapshot merges every record and advances the persisted cursor.
func (r *Replica) applySnapshot(ctx context.Context, snap *store.Snapshot) (int, error) {
	for _, rec := range snap.Records() {
		r.applyRemote(ctx, rec)
	}
	if snap.Cursor == "" {
		return snap.Len(), nil
	}
	cursor, err := r.db.GetMeta(ctx, metaCursor)
	if err != nil {
		return snap.Len(), err
	}
	if schema.Stamp(cursor) < snap.Cursor {
		if err := r.db.SetMeta(ctx, metaCursor, string(snap.Cursor)); err != nil {
			return snap.Len(), err
		}
	}
	return snap.Len(), nil
}

// Cursor returns the persisted sync cursor.
func (r *Replica) Cursor(ctx context.Context) (schema.Stamp, error) {
	c, err := r.db.GetMeta(ctx, metaCursor)
	return schema.Stamp(c), err
}

func (r *Replica) pullInBackground() {
	if !r.pulling.CompareAndSwap(false, true) {
		return
	}
	defer r.pulling.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.Pull(ctx); err != nil {
		r.logger.Printf("Background pull failed: %v", err)
	}
}
