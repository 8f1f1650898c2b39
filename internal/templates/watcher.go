package templates

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Mschirtzinger/quill/internal/store"
)

// Origin tags store writes made from template files.
const Origin = "templates"

// Config holds configuration for the watcher.
type Config struct {
	// Debounce is how long a file must be quiet before it is loaded.
	// Editors often write a file in several steps.
	Debounce time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 200 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[templates] ", log.LstdFlags),
	}
}

// Watcher loads a template directory into a store and follows changes.
type Watcher struct {
	store  *store.Store
	dir    string
	config *Config

	queueMu sync.Mutex
	queue   map[string]time.Time // path -> last event
}

// NewWatcher creates a watcher for dir. Use Run to start it.
func NewWatcher(st *store.Store, dir string, config *Config) (*Watcher, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Debounce <= 0 {
		config.Debounce = def.Debounce
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Watcher{store: st, dir: abs, config: config, queue: make(map[string]time.Time)}, nil
}

// Sync loads every template file and upserts it. It returns the number of
// records that changed.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	tpls, errs := LoadDir(w.dir)
	for _, err := range errs {
		w.config.Logger.Printf("Warning: %v", err)
	}
	ctx = store.WithOrigin(ctx, Origin)
	n := 0
	for _, tpl := range tpls {
		applied, err := w.store.Upsert(ctx, tpl)
		if err != nil {
			return n, fmt.Errorf("failed to store template %s: %w", tpl.ID, err)
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// Run watches the directory and performs a full sync, then follows
// changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch template directory %s: %w", w.dir, err)
	}

	// Watch first so files written during the initial sync are not missed.
	n, err := w.Sync(ctx)
	if err != nil {
		return fmt.Errorf("initial template sync failed: %w", err)
	}
	w.config.Logger.Printf("Loaded %d templates from %s", n, w.dir)

	ticker := time.NewTicker(w.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// Removals are ignored: templates are never deleted.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !Supported(event.Name) {
				continue
			}
			w.queueChange(event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.config.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			w.processPendingChanges(ctx)
		}
	}
}

func (w *Watcher) queueChange(path string) {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	w.queue[path] = time.Now()
}

// processPendingChanges loads files that have been quiet for Debounce.
func (w *Watcher) processPendingChanges(ctx context.Context) {
	w.queueMu.Lock()
	now := time.Now()
	var ready []string
	for path, at := range w.queue {
		if now.Sub(at) >= w.config.Debounce {
			ready = append(ready, path)
			delete(w.queue, path)
		}
	}
	w.queueMu.Unlock()

	ctx = store.WithOrigin(ctx, Origin)
	for _, path := range ready {
		tpl, err := LoadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			w.config.Logger.Printf("Error loading %s: %v", path, err)
			continue
		}
		applied, err := w.store.Upsert(ctx, tpl)
		if err != nil {
			w.config.Logger.Printf("Error storing template %s: %v", tpl.ID, err)
			continue
		}
		if applied {
			w.config.Logger.Printf("Updated template %s from %s", tpl.ID, filepath.Base(path))
		}
	}
}
