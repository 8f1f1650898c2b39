package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/quill/internal/delta"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/wire"
)

// Flush sends one frame per pending entity: a PATCH_ENTITY with the fields
// that differ from the acknowledged snapshot, or an UPSERT_ENTITY when the
// server has never acknowledged the entity. Without a connection, or when a
// send fails, entities stay pending for the next flush.
func (r *Replica) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	conn := r.currentConn()
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	keys := make([]entityKey, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	r.pending = make(map[entityKey]struct{})
	r.mu.Unlock()

	for i, k := range keys {
		if err := r.send(ctx, conn, k); err != nil {
			for _, rest := range keys[i:] {
				r.markDirty(rest)
			}
			return err
		}
	}
	return nil
}

func (r *Replica) send(ctx context.Context, conn *websocket.Conn, k entityKey) error {
	rec, err := r.store.Get(ctx, k.kind, k.id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	snap := r.snapshots[k]
	r.mu.Unlock()

	var frame []byte
	switch {
	case snap == nil:
		payload, err := wire.NewUpsert(rec)
		if err != nil {
			return err
		}
		frame, err = wire.Encode(wire.TypeUpsertEntity, payload)
		if err != nil {
			return err
		}
	case rec.Version() <= snap.Version():
		// The server already has this version or a newer one.
		return nil
	default:
		fields, err := delta.Diff(snap, rec)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		frame, err = wire.Encode(wire.TypePatchEntity, wire.PatchEntity{
			Kind: k.kind, ID: k.id, Fields: fields, UpdatedAt: rec.Version(),
		})
		if err != nil {
			return err
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to send %s %s: %w", k.kind, k.id, err)
	}
	r.acknowledge(rec)
	return nil
}

// acknowledge records rec as the server's latest known version of the
// entity, unless a newer one is already known.
func (r *Replica) acknowledge(rec schema.Record) {
	k := entityKey{rec.Kind(), rec.Key()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.snapshots[k]; ok && cur.Version() >= rec.Version() {
		return
	}
	r.snapshots[k] = rec
}

// forget drops the snapshot so the next flush sends a full record.
func (r *Replica) forget(k entityKey) {
	r.mu.Lock()
	delete(r.snapshots, k)
	r.mu.Unlock()
}
