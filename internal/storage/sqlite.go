package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrWorkspaceTaken is returned when a workspace row is claimed by another
// run between lookup and claim.
var ErrWorkspaceTaken = errors.New("workspace already owned")

// Storage is the relational run store. It owns the runs, process_handles and
// workspaces tables, all joined by run_id.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers, which keeps the status
	// compare-and-swap updates free of SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		workspace_path TEXT,
		persistent INTEGER NOT NULL DEFAULT 0,
		branch TEXT NOT NULL DEFAULT '',
		external_session_ref TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		error_message TEXT,
		exit_code INTEGER,
		progress_turns INTEGER NOT NULL DEFAULT 0,
		progress_tools INTEGER NOT NULL DEFAULT 0,
		progress_last_event TEXT NOT NULL DEFAULT '',
		cancel_stage TEXT NOT NULL DEFAULT '',
		head_commit TEXT,
		log_path TEXT
	);

	CREATE TABLE IF NOT EXISTS process_handles (
		run_id TEXT PRIMARY KEY REFERENCES runs(run_id) ON DELETE CASCADE,
		pid INTEGER NOT NULL,
		supervisor_pid INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		started_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		workflow_name TEXT NOT NULL,
		persistent INTEGER NOT NULL DEFAULT 0,
		owning_run_id TEXT REFERENCES runs(run_id),
		branch TEXT NOT NULL DEFAULT '',
		source_repo TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		released_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_workspaces_workflow ON workspaces(workflow_name, state);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_owner ON workspaces(owning_run_id) WHERE owning_run_id IS NOT NULL;
	`,
}

func (s *Storage) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, i+1, toNanos(s.now())); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// Timestamps are stored as UTC unix nanoseconds so range comparisons never
// depend on the zone a caller used.

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}
