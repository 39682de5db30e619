package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures a Store.
type Options struct {
	Path         string        // database file path
	BusyTimeout  time.Duration // how long SQLite waits on a locked database
	OpTimeout    time.Duration // upper bound for any single store call
	MaxOpenConns int
	Clock        func() time.Time
}

// DefaultOptions returns sensible defaults for the database at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		OpTimeout:    10 * time.Second,
		MaxOpenConns: 8,
	}
}

// Store provides SQLite-backed persistence for the workflow engine.
// It is safe for concurrent use.
type Store struct {
	db        *sql.DB
	path      string
	opTimeout time.Duration
	clock     func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the SQLite database at path with default options and creates
// tables if they don't exist.
func Open(path string) (*Store, error) {
	return OpenWithOptions(DefaultOptions(path))
}

// OpenWithOptions opens the database with WAL journaling, foreign keys and
// immediate write transactions, then applies the schema.
func OpenWithOptions(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("open database: empty path")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		opts.Path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("ping database", err)
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, wrap("create tables", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		db:        db,
		path:      opts.Path,
		opTimeout: opts.OpTimeout,
		clock:     clock,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Health verifies the database answers queries.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return wrap("health check", err)
	}
	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		mode TEXT NOT NULL,
		request TEXT NOT NULL,
		special_rules TEXT NOT NULL DEFAULT '[]',
		verdict TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		archived_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
		ON sessions(status) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS task_groups (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		assignee TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL DEFAULT 0,
		complexity INTEGER NOT NULL DEFAULT 0,
		last_verdict TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reasoning (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		iteration INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_reasoning_lookup
		ON reasoning(session_id, group_id, role, iteration, agent_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		iteration INTEGER NOT NULL,
		subtype TEXT NOT NULL,
		payload TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (session_id, group_id, iteration, subtype),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_latest
		ON events(session_id, subtype, iteration DESC, id DESC);

	CREATE TABLE IF NOT EXISTS state_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		state_type TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_latest
		ON state_snapshots(session_id, state_type, id DESC);

	CREATE TABLE IF NOT EXISTS token_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS skill_outputs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		skill TEXT NOT NULL,
		output TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		ref_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_changes_session ON changes(session_id, id);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// opContext bounds a store call by the configured operation timeout.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// withTx executes fn within a write transaction. If fn returns an error the
// transaction is rolled back, otherwise it is committed.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit transaction", err)
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
