// Package journal keeps a SQLite log of completed housekeeping operations.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Operation names recorded in the journal
const (
	OpCleanup = "cleanup"
	OpPrune   = "prune"
	OpRestore = "restore"
)

// Entry is one completed operation
type Entry struct {
	RunID     string        `json:"runId"`
	Operation string        `json:"operation"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationNs"`
	DryRun    bool          `json:"dryRun"`
	Batch     string        `json:"batch,omitempty"`
	Files     int           `json:"files"`
	Bytes     int64         `json:"bytes"`
	Error     string        `json:"error,omitempty"`
}

// Journal appends entries to a SQLite database. The database file is only
// created when the first entry is recorded.
type Journal struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	closed bool
	insert *sql.Stmt
}

// ErrClosed is returned when recording into a closed journal
var ErrClosed = errors.New("journal is closed")

// New returns a journal backed by the database at path
func New(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the database path
func (j *Journal) Path() string {
	return j.path
}

// open lazily opens the database and prepares the schema. Callers hold j.mu.
func (j *Journal) open(ctx context.Context, create bool) error {
	if j.closed {
		return ErrClosed
	}
	if j.db != nil {
		return nil
	}
	if !create {
		if _, err := os.Stat(j.path); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", j.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	insert, err := db.PrepareContext(ctx, `
		INSERT INTO operations (run_id, operation, started_at, duration_ns, dry_run, batch, files, bytes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to prepare journal statement: %w", err)
	}

	j.db = db
	j.insert = insert
	return nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		batch TEXT NOT NULL DEFAULT '',
		files INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_operations_started_at ON operations(started_at);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Record appends an entry
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.open(ctx, true); err != nil {
		return err
	}

	_, err := j.insert.ExecContext(ctx,
		e.RunID,
		e.Operation,
		e.StartedAt.UnixMilli(),
		int64(e.Duration),
		e.DryRun,
		e.Batch,
		e.Files,
		e.Bytes,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s operation: %w", e.Operation, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A journal that was never
// written returns no entries.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.open(ctx, false); err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, operation, started_at, duration_ns, dry_run, batch, files, bytes, error
		FROM operations
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			startedAt int64
			duration  int64
		)
		if err := rows.Scan(&e.RunID, &e.Operation, &startedAt, &duration, &e.DryRun, &e.Batch, &e.Files, &e.Bytes, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.StartedAt = time.UnixMilli(startedAt).UTC()
		e.Duration = time.Duration(duration)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database if it was opened
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true
	if j.db == nil {
		return nil
	}
	if j.insert != nil {
		_ = j.insert.Close()
	}
	err := j.db.Close()
	j.db = nil
	return err
}
