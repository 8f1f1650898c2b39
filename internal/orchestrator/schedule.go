package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

// Schedule creates a queued task for every scheduled project whose nextRun
// has passed and advances the project's lastRun and nextRun. A project
// without a nextRun is due immediately.
func (l *Loop) Schedule(ctx context.Context) (int, error) {
	recs, err := l.store.List(ctx, schema.KindProject, store.Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list projects: %w", err)
	}

	ctx = store.WithOrigin(ctx, Origin)
	now := l.now()
	n := 0
	for _, rec := range recs {
		project := rec.(*schema.Project)
		interval, ok, err := project.Interval()
		if err != nil {
			l.config.Logger.Printf("Skipping project %s: %v", project.ID, err)
			continue
		}
		if !ok || (project.NextRun.Valid() && project.NextRun.Time().After(now)) {
			continue
		}

		// Advancing nextRun first claims this slot: a concurrent scheduler
		// that read the same nextRun finds it changed and skips.
		seen := project.NextRun
		claimed, err := l.store.Modify(ctx, schema.KindProject, project.ID, func(rec schema.Record) error {
			p := rec.(*schema.Project)
			if p.NextRun != seen {
				return store.ErrSkip
			}
			p.LastRun = schema.StampOf(now)
			p.NextRun = schema.StampOf(now.Add(interval))
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("failed to advance schedule of project %s: %w", project.ID, err)
		}
		if !claimed {
			continue
		}

		stamp := schema.StampOf(now)
		task := &schema.Task{
			ID:        uuid.NewString(),
			ProjectID: project.ID,
			Title:     fmt.Sprintf("%s %s", project.Name, now.UTC().Format("2006-01-02 15:04")),
			Status:    schema.StatusQueued,
			CreatedAt: stamp,
			UpdatedAt: stamp,
		}
		task.Record(stamp, schema.HistoryCreated, "scheduled")
		task.Record(stamp, schema.HistoryQueued, "")
		if _, err := l.store.Upsert(ctx, task); err != nil {
			return n, fmt.Errorf("failed to create scheduled task for project %s: %w", project.ID, err)
		}
		n++
	}
	return n, nil
}
