// Package sqlite is the embedded SQLite backend for the entity store.
//
// The database runs with WAL so readers (snapshot queries, HTTP handlers)
// proceed while the store's writer goroutine commits. Each record is kept
// as a JSON body plus the columns the store filters and orders on.
//
// Layout:
//   - projects, templates: id, updated_at, body
//   - tasks: id, project_id, status, created_at, updated_at, body
//   - meta: key/value pairs (replica sync cursor)
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

// DB is a store.Backend over a SQLite file.
type DB struct {
	conn *sql.DB
	path string
}

var _ store.Backend = (*DB)(nil)

// Open opens (creating if needed) the database at path and initializes the
// schema. The caller must call Close.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at);
	CREATE INDEX IF NOT EXISTS idx_templates_updated ON templates(updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

	-- Orchestrator selection: oldest queued task first
	CREATE INDEX IF NOT EXISTS idx_tasks_status_created
	    ON tasks(status, created_at, id);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func table(kind schema.Kind) (string, error) {
	switch kind {
	case schema.KindProject:
		return "projects", nil
	case schema.KindTask:
		return "tasks", nil
	case schema.KindTemplate:
		return "templates", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// Get returns one record or store.ErrNotFound.
func (db *DB) Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}
	var body string
	err = db.conn.QueryRowContext(ctx, `SELECT body FROM `+tbl+` WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return schema.Decode(kind, []byte(body))
}

// Put inserts or replaces a record.
func (db *DB) Put(ctx context.Context, rec schema.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", rec.Kind(), rec.Key(), err)
	}

	switch r := rec.(type) {
	case *schema.Task:
		_, err = db.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, status, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			status = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			body = excluded.body
		`, r.ID, r.ProjectID, string(r.Status), string(r.CreatedAt), string(r.UpdatedAt), string(body))
	default:
		tbl, terr := table(rec.Kind())
		if terr != nil {
			return terr
		}
		_, err = db.conn.ExecContext(ctx, `
		INSERT INTO `+tbl+` (id, updated_at, body)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			body = excluded.body
		`, rec.Key(), string(rec.Version()), string(body))
	}
	if err != nil {
		return fmt.Errorf("failed to put %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	return nil
}

// List returns records of one kind matching f.
func (db *DB) List(ctx context.Context, kind schema.Kind, f store.Filter) ([]schema.Record, error) {
	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []any
	if f.Since != "" {
		conditions = append(conditions, "updated_at > ?")
		args = append(args, string(f.Since))
	}
	if f.Before != "" {
		conditions = append(conditions, "updated_at < ?")
		args = append(args, string(f.Before))
	}
	order := "updated_at, id"
	if kind == schema.KindTask {
		order = "created_at, id"
		if f.ProjectID != "" {
			conditions = append(conditions, "project_id = ?")
			args = append(args, f.ProjectID)
		}
		if f.Status != "" {
			conditions = append(conditions, "status = ?")
			args = append(args, string(f.Status))
		}
	}

	query := `SELECT body FROM ` + tbl
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + order
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		rec, err := schema.Decode(kind, []byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Cursor returns the greatest updated_at across all tables.
func (db *DB) Cursor(ctx context.Context) (schema.Stamp, error) {
	var cursor sql.NullString
	err := db.conn.QueryRowContext(ctx, `
	SELECT MAX(m) FROM (
		SELECT MAX(updated_at) AS m FROM projects
		UNION ALL SELECT MAX(updated_at) FROM tasks
		UNION ALL SELECT MAX(updated_at) FROM templates
	)`).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return schema.Stamp(cursor.String), nil
}

// Count returns the number of records per kind, and per status for tasks.
func (db *DB) Count(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, kind := range schema.Kinds {
		tbl, _ := table(kind)
		var n int
		if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tbl).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", tbl, err)
		}
		counts[string(kind)] = n
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count task statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts["task:"+status] = n
	}
	return counts, rows.Err()
}

// GetMeta returns a meta value, "" when unset.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a meta value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}
