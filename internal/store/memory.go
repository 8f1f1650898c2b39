package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// Memory is an in-process Backend. It backs ephemeral stores and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[schema.Kind]map[string]schema.Record
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	m := &Memory{records: make(map[schema.Kind]map[string]schema.Record)}
	for _, k := range schema.Kinds {
		m.records[k] = make(map[string]schema.Record)
	}
	return m
}

func (m *Memory) Get(_ context.Context, kind schema.Kind, id string) (schema.Record, error) {
	m.mu.RLock()
	rec, ok := m.records[kind][id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return schema.Clone(rec)
}

func (m *Memory) Put(_ context.Context, rec schema.Record) error {
	cp, err := schema.Clone(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.records[rec.Kind()]
	if !ok {
		return &schema.ValidationError{Field: "kind", Reason: "unknown entity kind " + string(rec.Kind())}
	}
	bucket[rec.Key()] = cp
	return nil
}

func (m *Memory) List(_ context.Context, kind schema.Kind, f Filter) ([]schema.Record, error) {
	m.mu.RLock()
	var out []schema.Record
	for _, rec := range m.records[kind] {
		if !matches(rec, f) {
			continue
		}
		cp, err := schema.Clone(rec)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		out = append(out, cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Cursor(context.Context) (schema.Stamp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest schema.Stamp
	for _, bucket := range m.records {
		for _, rec := range bucket {
			if rec.Version() > latest {
				latest = rec.Version()
			}
		}
	}
	return latest, nil
}

func (m *Memory) Close() error { return nil }

func matches(rec schema.Record, f Filter) bool {
	if f.Since != "" && rec.Version() <= f.Since {
		return false
	}
	if f.Before != "" && rec.Version() >= f.Before {
		return false
	}
	if task, ok := rec.(*schema.Task); ok {
		if f.ProjectID != "" && task.ProjectID != f.ProjectID {
			return false
		}
		if f.Status != "" && task.Status != f.Status {
			return false
		}
	}
	return true
}

// less orders tasks by createdAt and everything else by updatedAt, ties
// broken by id.
func less(a, b schema.Record) bool {
	ka, kb := orderKey(a), orderKey(b)
	if ka != kb {
		return ka < kb
	}
	return a.Key() < b.Key()
}

func orderKey(rec schema.Record) schema.Stamp {
	if task, ok := rec.(*schema.Task); ok {
		return task.CreatedAt
	}
	return rec.Version()
}
