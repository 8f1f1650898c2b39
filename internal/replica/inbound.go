package replica

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Mschirtzinger/quill/internal/delta"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/wire"
)

// handleFrame merges one server frame into the local mirror.
func (r *Replica) handleFrame(ctx context.Context, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		r.logger.Printf("Dropping frame: %v", err)
		return
	}
	ctx = store.WithOrigin(ctx, originRemote)

	switch msg.Type {
	case wire.TypeEntityUpdated:
		var up wire.EntityUpdated
		if err := msg.Payload(&up); err != nil {
			r.logger.Printf("Dropping frame: %v", err)
			return
		}
		rec, err := up.Decode()
		if err != nil {
			r.logger.Printf("Dropping %s update: %v", up.Kind, err)
			return
		}
		r.applyRemote(ctx, rec)

	case wire.TypeEntityPatched:
		var p wire.EntityPatched
		if err := msg.Payload(&p); err != nil {
			r.logger.Printf("Dropping frame: %v", err)
			return
		}
		r.applyRemotePatch(ctx, p)

	case wire.TypeStreamChunk:
		var c wire.StreamChunk
		if err := msg.Payload(&c); err != nil {
			r.logger.Printf("Dropping frame: %v", err)
			return
		}
		output, err := json.Marshal(c.Accumulated)
		if err != nil {
			return
		}
		r.applyRemotePatch(ctx, wire.PatchEntity{
			Kind:      schema.KindTask,
			ID:        c.TaskID,
			Fields:    delta.Fields{"output": output},
			UpdatedAt: c.UpdatedAt,
		})

	case wire.TypeSyncResponse:
		var snap store.Snapshot
		if err := msg.Payload(&snap); err != nil {
			r.logger.Printf("Dropping frame: %v", err)
			return
		}
		if _, err := r.applySnapshot(ctx, &snap); err != nil {
			r.logger.Printf("Failed to apply sync response: %v", err)
		}

	case wire.TypeError:
		var e wire.Error
		if err := msg.Payload(&e); err != nil {
			r.logger.Printf("Dropping frame: %v", err)
			return
		}
		r.handleError(e)

	case wire.TypeWelcome:
	default:
		r.logger.Printf("Ignoring %s frame", msg.Type)
	}
}

// applyRemote merges a full server record and records it as acknowledged.
// Local unsent writes with newer stamps keep winning locally.
func (r *Replica) applyRemote(ctx context.Context, rec schema.Record) {
	if _, err := r.store.Upsert(ctx, rec); err != nil {
		r.logger.Printf("Rejected remote %s %s: %v", rec.Kind(), rec.Key(), err)
		return
	}
	r.acknowledge(rec)
}

func (r *Replica) applyRemotePatch(ctx context.Context, p wire.PatchEntity) {
	k := entityKey{p.Kind, p.ID}
	applied, err := r.store.Patch(ctx, p.Kind, p.ID, p.Fields, p.UpdatedAt)
	if errors.Is(err, store.ErrNotFound) {
		// Never seen locally: the next pull brings the full record.
		r.logger.Printf("Patch for unknown %s %s, pulling", p.Kind, p.ID)
		go r.pullInBackground()
		return
	}
	if err != nil {
		r.logger.Printf("Rejected remote patch %s %s: %v", p.Kind, p.ID, err)
		return
	}

	r.mu.Lock()
	snap := r.snapshots[k]
	_, dirty := r.pending[k]
	r.mu.Unlock()

	switch {
	case snap != nil:
		merged, err := delta.ApplyPatch(snap, p.Fields)
		if err != nil {
			r.logger.Printf("Failed to merge patch into snapshot %s %s: %v", p.Kind, p.ID, err)
			r.forget(k)
			return
		}
		merged.SetVersion(p.UpdatedAt)
		r.acknowledge(merged)
	case applied && !dirty:
		if rec, err := r.store.Get(ctx, p.Kind, p.ID); err == nil {
			r.acknowledge(rec)
		}
	}
}

func (r *Replica) handleError(e wire.Error) {
	r.logger.Printf("Server error (%s): %s", e.Code, e.Message)
	if e.Code == wire.CodeNotFound && e.Kind != "" && e.ID != "" {
		// The server lost or never got the entity; resend it in full.
		k := entityKey{e.Kind, e.ID}
		r.forget(k)
		r.markDirty(k)
		r.debouncer.Trigger()
	}
}
