// Package migrate moves entity records in and out of a store as JSONL, one
// {"kind": ..., "record": {...}} object per line. Imports go through the
// store's LWW rule, so re-importing an export is a no-op and importing into
// a newer store never regresses it.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

// Line is one JSONL entry.
type Line struct {
	Kind   schema.Kind     `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// ImportOptions configures Import.
type ImportOptions struct {
	DryRun bool // Validate without writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read    int
	Applied int
	Stale   int
	Errors  []string
}

// Export writes every record of st to w, projects first so an import
// never sees a task before its project.
func Export(ctx context.Context, st *store.Store, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	n := 0
	for _, kind := range []schema.Kind{schema.KindProject, schema.KindTemplate, schema.KindTask} {
		recs, err := st.List(ctx, kind, store.Filter{})
		if err != nil {
			return n, fmt.Errorf("failed to list %ss: %w", kind, err)
		}
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return n, fmt.Errorf("failed to marshal %s %s: %w", kind, rec.Key(), err)
			}
			if err := enc.Encode(Line{Kind: kind, Record: data}); err != nil {
				return n, fmt.Errorf("failed to write %s %s: %w", kind, rec.Key(), err)
			}
			n++
		}
	}
	return n, bw.Flush()
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, st *store.Store, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := Export(ctx, st, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// Import reads JSONL from r and upserts every record. Invalid lines are
// reported in the result and skipped.
func Import(ctx context.Context, st *store.Store, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	dec := json.NewDecoder(r)
	lineNum := 0
	for {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++
		result.Read++

		rec, err := schema.Decode(line.Kind, line.Record)
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if opts.DryRun {
			continue
		}

		applied, err := st.Upsert(ctx, rec)
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if err != nil {
			return result, fmt.Errorf("failed to import %s %s: %w", line.Kind, rec.Key(), err)
		}
		if applied {
			result.Applied++
		} else {
			result.Stale++
		}
	}
	return result, nil
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, st *store.Store, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, st, f, opts)
}
