// Package orchestrator runs queued tasks through a Generator.
//
// The loop:
// 1. Re-queues generating tasks that stopped making progress
// 2. Creates task instances for scheduled projects that are due
// 3. Claims the oldest queued task and streams its generation into the store
// 4. Publishes deployed output
//
// Every status change goes through store.Transition, so concurrent loops
// (or a loop and a manual run) never generate the same task twice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mschirtzinger/quill/internal/publish"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/telemetry"
)

// Origin tags store writes made by the orchestrator.
const Origin = "orchestrator"

// Config holds configuration for the loop.
type Config struct {
	// Interval is how often the loop looks for work.
	Interval time.Duration

	// StaleAfter is how long a task may sit in generating without an update
	// before it is re-queued.
	StaleAfter time.Duration

	// Publisher receives deployed tasks (optional).
	Publisher publish.Publisher

	// Logger for orchestrator activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:   5 * time.Second,
		StaleAfter: 10 * time.Minute,
		Logger:     log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
	}
}

// Result is the outcome of one task run.
type Result string

const (
	ResultDeployed  Result = "deployed"
	ResultFailed    Result = "failed"
	ResultSkipped   Result = "skipped"
	ResultCancelled Result = "cancelled"
)

// Loop drives queued tasks to deployed or back to draft.
type Loop struct {
	store     *store.Store
	generator Generator
	config    *Config
	now       func() time.Time

	intervalMu sync.Mutex
	interval   time.Duration
	reset      chan struct{}

	runs metric.Int64Counter
}

// New creates a loop over st.
func New(st *store.Store, gen Generator, config *Config) (*Loop, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gen == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Loop{
		store:     st,
		generator: gen,
		config:    config,
		now:       time.Now,
		interval:  config.Interval,
		reset:     make(chan struct{}, 1),
		runs:      telemetry.Counter("orchestrator", "quill.orchestrator.runs", "Task runs by result"),
	}, nil
}

// SetInterval changes the tick interval of a running loop.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.intervalMu.Lock()
	changed := d != l.interval
	l.interval = d
	l.intervalMu.Unlock()
	if changed {
		select {
		case l.reset <- struct{}{}:
		default:
		}
	}
}

func (l *Loop) currentInterval() time.Duration {
	l.intervalMu.Lock()
	defer l.intervalMu.Unlock()
	return l.interval
}

// Run ticks until ctx is cancelled. Each tick reclaims stale tasks,
// schedules due projects and drains the queue.
func (l *Loop) Run(ctx context.Context) error {
	l.config.Logger.Printf("Starting orchestrator (interval %s)", l.currentInterval())
	ticker := time.NewTicker(l.currentInterval())
	defer ticker.Stop()

	for {
		l.Tick(ctx)
		select {
		case <-ctx.Done():
			l.config.Logger.Println("Orchestrator stopped")
			return nil
		case <-l.reset:
			ticker.Reset(l.currentInterval())
			l.config.Logger.Printf("Interval changed to %s", l.currentInterval())
		case <-ticker.C:
		}
	}
}

// Tick performs one pass of the loop.
func (l *Loop) Tick(ctx context.Context) {
	if n, err := l.Reclaim(ctx); err != nil {
		l.config.Logger.Printf("Reclaim failed: %v", err)
	} else if n > 0 {
		l.config.Logger.Printf("Re-queued %d stale tasks", n)
	}
	if n, err := l.Schedule(ctx); err != nil {
		l.config.Logger.Printf("Scheduling failed: %v", err)
	} else if n > 0 {
		l.config.Logger.Printf("Scheduled %d tasks", n)
	}
	for ctx.Err() == nil {
		ran, err := l.RunOnce(ctx)
		if err != nil {
			l.config.Logger.Printf("Run failed: %v", err)
			return
		}
		if !ran {
			return
		}
	}
}

// RunOnce claims and runs the oldest queued task. It reports whether a task
// was claimed. Generation failures are recorded on the task, not returned.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	recs, err := l.store.List(ctx, schema.KindTask, store.Filter{Status: schema.StatusQueued})
	if err != nil {
		return false, fmt.Errorf("failed to list queued tasks: %w", err)
	}
	for _, rec := range recs {
		result, err := l.runTask(ctx, rec.Key())
		if err != nil {
			return false, err
		}
		if result != ResultSkipped {
			return true, nil
		}
	}
	return false, nil
}

// RunTasks runs the given tasks in order, skipping any that are not queued.
func (l *Loop) RunTasks(ctx context.Context, ids []string) (map[string]Result, error) {
	results := make(map[string]Result, len(ids))
	for _, id := range ids {
		result, err := l.runTask(ctx, id)
		if err != nil {
			return results, err
		}
		results[id] = result
	}
	return results, nil
}

func (l *Loop) runTask(ctx context.Context, id string) (Result, error) {
	ctx = store.WithOrigin(ctx, Origin)
	runID := uuid.NewString()
	claimed, err := l.store.Transition(ctx, id, schema.StatusQueued, schema.StatusGenerating, schema.Now(),
		schema.HistoryEntry{Kind: schema.HistoryGenerating, Detail: runID},
		func(t *schema.Task) error {
			t.Output = ""
			t.Error = ""
			t.TokenUsage = nil
			t.RunID = runID
			return nil
		})
	if errors.Is(err, store.ErrNotFound) {
		return ResultSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	if !claimed {
		return ResultSkipped, nil
	}

	result, err := l.generate(ctx, id, runID)
	l.runs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", string(result))))
	return result, err
}

// generate streams output for a claimed task and moves it to its terminal
// status. A cancelled context leaves the task generating for Reclaim. Every
// write is tied to runID, so a run whose claim was reclaimed stops without
// touching the task again.
func (l *Loop) generate(ctx context.Context, id, runID string) (Result, error) {
	rec, err := l.store.Get(ctx, schema.KindTask, id)
	if err != nil {
		return "", fmt.Errorf("failed to load task %s: %w", id, err)
	}
	task := rec.(*schema.Task)

	var project *schema.Project
	if p, err := l.store.Get(ctx, schema.KindProject, task.ProjectID); err == nil {
		project = p.(*schema.Project)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to load project %s: %w", task.ProjectID, err)
	}

	l.config.Logger.Printf("Generating %s (%s)", task.ID, task.Title)
	usage, genErr := l.stream(ctx, task.ID, runID, ComposePrompt(project, task))
	if ctx.Err() != nil {
		l.config.Logger.Printf("Generation of %s cancelled", task.ID)
		return ResultCancelled, nil
	}
	if errors.Is(genErr, store.ErrClaimLost) {
		l.config.Logger.Printf("Task %s was reclaimed from run %s, discarding result", task.ID, runID)
		return ResultSkipped, nil
	}
	if genErr != nil {
		failure := &GenerationFailure{TaskID: task.ID, Err: genErr}
		l.config.Logger.Printf("%v", failure)
		_, err := l.store.Transition(ctx, task.ID, schema.StatusGenerating, schema.StatusDraft, schema.Now(),
			schema.HistoryEntry{Kind: schema.HistoryFailed, Detail: genErr.Error()},
			store.RequireRun(runID),
			func(t *schema.Task) error {
				t.Error = genErr.Error()
				t.RunID = ""
				return nil
			})
		if err != nil {
			return ResultFailed, fmt.Errorf("failed to record failure of task %s: %w", task.ID, err)
		}
		return ResultFailed, nil
	}

	deployed, err := l.store.Transition(ctx, task.ID, schema.StatusGenerating, schema.StatusDeployed, schema.Now(),
		schema.HistoryEntry{Kind: schema.HistoryDeployed},
		store.RequireRun(runID),
		func(t *schema.Task) error {
			t.TokenUsage = &usage
			t.RunID = ""
			return nil
		})
	if err != nil {
		return "", fmt.Errorf("failed to deploy task %s: %w", task.ID, err)
	}
	if !deployed {
		// Reclaimed or edited while generating; the newer state stands.
		l.config.Logger.Printf("Task %s left run %s before deploy, discarding result", task.ID, runID)
		return ResultSkipped, nil
	}
	l.config.Logger.Printf("Deployed %s (%d in / %d out tokens)", task.ID, usage.Input, usage.Output)
	l.publish(ctx, task.ID)
	return ResultDeployed, nil
}

func (l *Loop) stream(ctx context.Context, id, runID string, prompt Prompt) (schema.TokenUsage, error) {
	s, err := l.generator.Generate(ctx, prompt)
	if err != nil {
		return schema.TokenUsage{}, err
	}
	defer s.Close()

	for s.Next() {
		if _, err := l.store.AppendOutput(ctx, id, runID, s.Chunk(), ""); err != nil {
			return s.Usage(), fmt.Errorf("failed to store output: %w", err)
		}
	}
	return s.Usage(), s.Err()
}

// publish delivers a deployed task and records the outcome in its history.
// Status is never rolled back.
func (l *Loop) publish(ctx context.Context, id string) {
	if l.config.Publisher == nil {
		return
	}
	rec, err := l.store.Get(ctx, schema.KindTask, id)
	if err != nil {
		l.config.Logger.Printf("Failed to load %s for publishing: %v", id, err)
		return
	}

	kind, detail := schema.HistoryPublished, ""
	url, err := l.config.Publisher.Publish(ctx, rec.(*schema.Task))
	if err != nil {
		l.config.Logger.Printf("Publishing %s failed: %v", id, err)
		kind, detail = schema.HistoryPublishFailed, err.Error()
	} else {
		detail = url
	}

	_, err = l.store.Modify(ctx, schema.KindTask, id, func(rec schema.Record) error {
		t := rec.(*schema.Task)
		t.Record(schema.NextStamp(t.UpdatedAt), kind, detail)
		return nil
	})
	if err != nil {
		l.config.Logger.Printf("Failed to record publish result for %s: %v", id, err)
	}
}

// Reclaim re-queues tasks that have been generating without an update for
// longer than StaleAfter.
func (l *Loop) Reclaim(ctx context.Context) (int, error) {
	cutoff := schema.StampOf(l.now().Add(-l.config.StaleAfter))
	recs, err := l.store.List(ctx, schema.KindTask, store.Filter{Status: schema.StatusGenerating, Before: cutoff})
	if err != nil {
		return 0, fmt.Errorf("failed to list generating tasks: %w", err)
	}

	ctx = store.WithOrigin(ctx, Origin)
	n := 0
	for _, rec := range recs {
		applied, err := l.store.Modify(ctx, schema.KindTask, rec.Key(), func(rec schema.Record) error {
			t := rec.(*schema.Task)
			if t.Status != schema.StatusGenerating || t.UpdatedAt >= cutoff {
				return store.ErrSkip
			}
			t.Status = schema.StatusQueued
			t.RunID = ""
			t.Record(schema.NextStamp(t.UpdatedAt), schema.HistoryReclaimed, "no progress since "+string(t.UpdatedAt))
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, fmt.Errorf("failed to reclaim task %s: %w", rec.Key(), err)
		}
		if applied {
			n++
		}
	}
	return n, nil
}
