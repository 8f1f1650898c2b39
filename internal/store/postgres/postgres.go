// Package postgres is the PostgreSQL backend for the entity store, for
// deployments that keep the authoritative state outside the server host.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

// DB is a store.Backend over PostgreSQL.
type DB struct {
	conn *sql.DB
}

var _ store.Backend = (*DB)(nil)

// Open connects to databaseURL and initializes the schema.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	conn, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)
	conn.SetConnMaxLifetime(30 * time.Minute)
	conn.SetMaxIdleConns(10)
	conn.SetMaxOpenConns(20)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			updated_at TEXT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			updated_at TEXT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_templates_updated ON templates(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at, id)`,
	}
	for _, stmt := range ddl {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
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

func (db *DB) Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error) {
	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = db.conn.QueryRowContext(ctx, `SELECT body FROM `+tbl+` WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return schema.Decode(kind, body)
}

func (db *DB) Put(ctx context.Context, rec schema.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", rec.Kind(), rec.Key(), err)
	}

	switch r := rec.(type) {
	case *schema.Task:
		_, err = db.conn.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, status, created_at, updated_at, body)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				project_id = EXCLUDED.project_id,
				status = EXCLUDED.status,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at,
				body = EXCLUDED.body`,
			r.ID, r.ProjectID, string(r.Status), string(r.CreatedAt), string(r.UpdatedAt), body)
	default:
		tbl, terr := table(rec.Kind())
		if terr != nil {
			return terr
		}
		_, err = db.conn.ExecContext(ctx, `
			INSERT INTO `+tbl+` (id, updated_at, body)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				updated_at = EXCLUDED.updated_at,
				body = EXCLUDED.body`,
			rec.Key(), string(rec.Version()), body)
	}
	if err != nil {
		return fmt.Errorf("put %s %s: %w", rec.Kind(), rec.Key(), err)
	}
	return nil
}

func (db *DB) List(ctx context.Context, kind schema.Kind, f store.Filter) ([]schema.Record, error) {
	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if f.Since != "" {
		add("updated_at > $%d", string(f.Since))
	}
	if f.Before != "" {
		add("updated_at < $%d", string(f.Before))
	}
	order := "updated_at, id"
	if kind == schema.KindTask {
		order = "created_at, id"
		if f.ProjectID != "" {
			add("project_id = $%d", f.ProjectID)
		}
		if f.Status != "" {
			add("status = $%d", string(f.Status))
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
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		rec, err := schema.Decode(kind, body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *DB) Cursor(ctx context.Context) (schema.Stamp, error) {
	var cursor sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT GREATEST(
			(SELECT MAX(updated_at) FROM projects),
			(SELECT MAX(updated_at) FROM tasks),
			(SELECT MAX(updated_at) FROM templates)
		)`).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	return schema.Stamp(cursor.String), nil
}
