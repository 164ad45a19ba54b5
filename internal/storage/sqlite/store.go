// Package sqlite provides the SQLite-backed capture station store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cjeanneret/PageGo/internal/storage"
	"github.com/cjeanneret/PageGo/internal/storage/sqlite/migrations"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const migrationTable = "schema_migrations"

// Store persists workflows, pages and sessions in SQLite.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// EnsureWorkflow returns the workflow called name, creating it on first use.
func (s *Store) EnsureWorkflow(ctx context.Context, name string) (storage.Workflow, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Workflow{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Workflow{}, fmt.Errorf("workflow name is required")
	}

	wf := storage.Workflow{ID: uuid.NewString(), Name: name, CreatedAt: s.clock().UTC()}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO workflows (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		wf.ID, wf.Name, toMillis(wf.CreatedAt),
	); err != nil {
		return storage.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}

	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM workflows WHERE name = ?`, name,
	).Scan(&wf.ID, &wf.Name, &createdAt)
	if err != nil {
		return storage.Workflow{}, fmt.Errorf("load workflow: %w", err)
	}
	wf.CreatedAt = fromMillis(createdAt)
	return wf, nil
}

// ListPages returns the pages of a workflow in capture order.
func (s *Store) ListPages(ctx context.Context, workflowID string) ([]storage.Page, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, path, device, captured_at FROM pages WHERE workflow_id = ? ORDER BY seq`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var pages []storage.Page
	for rows.Next() {
		var (
			p          storage.Page
			capturedAt int64
		)
		if err := rows.Scan(&p.Seq, &p.Path, &p.Device, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.CapturedAt = fromMillis(capturedAt)
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// PutPages inserts or replaces pages by sequence number in one transaction.
func (s *Store) PutPages(ctx context.Context, workflowID string, pages []storage.Page) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(pages) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range pages {
		if p.Seq < 0 {
			return fmt.Errorf("page seq must be >= 0, got %d", p.Seq)
		}
		capturedAt := p.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = s.clock()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pages (workflow_id, seq, path, device, captured_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(workflow_id, seq) DO UPDATE SET
			   path = excluded.path,
			   device = excluded.device,
			   captured_at = excluded.captured_at`,
			workflowID, p.Seq, p.Path, p.Device, toMillis(capturedAt),
		); err != nil {
			return fmt.Errorf("upsert page %d: %w", p.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pages: %w", err)
	}
	return nil
}

// RecordSession stores a finished session summary.
func (s *Store) RecordSession(ctx context.Context, rec storage.SessionRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if rec.WorkflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = s.clock()
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_id, started_at, finished_at, initial_pages, final_pages, pages_per_hour)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, toMillis(rec.StartedAt), toMillis(rec.FinishedAt),
		rec.InitialPages, rec.FinalPages, rec.PagesPerHour,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ListSessions returns the session history of a workflow, oldest first.
func (s *Store) ListSessions(ctx context.Context, workflowID string) ([]storage.SessionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, workflow_id, started_at, finished_at, initial_pages, final_pages, pages_per_hour
		 FROM sessions WHERE workflow_id = ? ORDER BY started_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []storage.SessionRecord
	for rows.Next() {
		var (
			rec                 storage.SessionRecord
			started, finishedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &started, &finishedAt,
			&rec.InitialPages, &rec.FinalPages, &rec.PagesPerHour); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.StartedAt = fromMillis(started)
		rec.FinishedAt = fromMillis(finishedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// applyMigrations executes embedded *.sql migrations at most once per file.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := sqlDB.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := extractUp(string(content))

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if strings.TrimSpace(up) != "" {
			if _, err := tx.Exec(up); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("exec migration %s: %w", file, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			file, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func extractUp(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(upMarker):]
	if downIdx := strings.Index(rest, downMarker); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}
