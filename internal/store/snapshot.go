package store

import (
	"context"
	"fmt"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// Snapshot is every record changed after a cursor, grouped by kind.
type Snapshot struct {
	Projects  []*schema.Project  `json:"projects"`
	Tasks     []*schema.Task     `json:"tasks"`
	Templates []*schema.Template `json:"templates"`
	// Cursor is the greatest updatedAt in the snapshot, or the requested
	// since when nothing changed. Clients pass it back as since.
	Cursor schema.Stamp `json:"cursor"`
}

// Len returns the number of records in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Projects) + len(s.Tasks) + len(s.Templates)
}

// Records returns the snapshot contents in kind order.
func (s *Snapshot) Records() []schema.Record {
	out := make([]schema.Record, 0, s.Len())
	for _, p := range s.Projects {
		out = append(out, p)
	}
	for _, t := range s.Tasks {
		out = append(out, t)
	}
	for _, t := range s.Templates {
		out = append(out, t)
	}
	return out
}

// Snapshot returns all records with updatedAt strictly greater than since.
// An empty since returns everything. The per-kind reads run on the writer
// goroutine, so no write can commit between them and the cursor covers
// exactly the records returned.
func (s *Store) Snapshot(ctx context.Context, since schema.Stamp) (*Snapshot, error) {
	return exec(ctx, s, func() (*Snapshot, error) {
		return s.snapshot(ctx, since)
	})
}

func (s *Store) snapshot(ctx context.Context, since schema.Stamp) (*Snapshot, error) {
	snap := &Snapshot{
		Projects:  []*schema.Project{},
		Tasks:     []*schema.Task{},
		Templates: []*schema.Template{},
		Cursor:    since,
	}
	for _, kind := range schema.Kinds {
		recs, err := s.backend.List(ctx, kind, Filter{Since: since})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s for snapshot: %w", kind, err)
		}
		for _, rec := range recs {
			if rec.Version() > snap.Cursor {
				snap.Cursor = rec.Version()
			}
			switch r := rec.(type) {
			case *schema.Project:
				snap.Projects = append(snap.Projects, r)
			case *schema.Task:
				snap.Tasks = append(snap.Tasks, r)
			case *schema.Template:
				snap.Templates = append(snap.Templates, r)
			}
		}
	}
	return snap, nil
}
