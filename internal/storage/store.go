// Package storage owns the embedded SQLite store shared by every other
// component: connection lifecycle, schema, idempotent migrations, and the
// per-session metadata/activity/interrupt-flag key-value area. The
// executions, execution_leases and command_queue tables are migrated here
// but queried through their owning packages (execution, lease, queue).
package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/apperrors"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/common/sqlite"
	"github.com/kilocode/sessioncore/internal/db"
)

// Store owns the writer/reader connection pool and the schema shared by
// every table in the session core.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// Open opens (creating if necessary) the embedded store at cfg.Database.Path,
// runs schema initialization and migrations, and returns a ready Store.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	writerConn, err := db.OpenSQLite(cfg.Path, cfg.BusyTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	readerConn, err := db.OpenSQLiteReader(cfg.Path, cfg.ReaderConns, cfg.BusyTimeoutMs)
	if err != nil {
		_ = writerConn.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	pool := db.NewPool(sqlx.NewDb(writerConn, "sqlite3"), sqlx.NewDb(readerConn, "sqlite3"))

	s := &Store{pool: pool, logger: log}
	if err := s.runMigrations(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Writer returns the single-connection write pool.
func (s *Store) Writer() *sqlx.DB { return s.pool.Writer() }

// Reader returns the multi-connection read-only pool.
func (s *Store) Reader() *sqlx.DB { return s.pool.Reader() }

// Close closes both pools.
func (s *Store) Close() error { return s.pool.Close() }

// schemaMigration is one versioned, idempotent step. Steps run in ascending
// version order inside the single barrier transaction opened by
// runMigrations; a step must tolerate re-running against an already-migrated
// database (CREATE TABLE/INDEX IF NOT EXISTS, EnsureColumn) since the
// migration ledger is what actually prevents re-application, not the SQL.
// apply runs against the writer *sql.DB directly rather than a *sql.Tx: the
// barrier itself is a raw BEGIN IMMEDIATE/COMMIT pair issued over the
// writer's single pooled connection (see runMigrations), so every Exec here
// already participates in that one outer transaction.
type schemaMigration struct {
	version int
	name    string
	apply   func(writerDB *sql.DB) error
}

var migrations = []schemaMigration{
	{1, "sessions", func(writerDB *sql.DB) error {
		_, err := writerDB.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	metadata_json      TEXT NOT NULL,
	version            INTEGER NOT NULL DEFAULT 0,
	active_execution_id TEXT,
	interrupt_requested INTEGER NOT NULL DEFAULT 0,
	last_activity_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at);
`)
		return err
	}},
	{2, "executions", func(writerDB *sql.DB) error {
		_, err := writerDB.Exec(`
CREATE TABLE IF NOT EXISTS executions (
	execution_id    TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(session_id),
	mode            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	started_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_heartbeat  DATETIME,
	completed_at    DATETIME,
	error           TEXT NOT NULL DEFAULT '',
	ingest_token    TEXT NOT NULL DEFAULT '',
	process_id      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_heartbeat ON executions(last_heartbeat);
`)
		return err
	}},
	{3, "execution_leases", func(writerDB *sql.DB) error {
		_, err := writerDB.Exec(`
CREATE TABLE IF NOT EXISTS execution_leases (
	execution_id TEXT PRIMARY KEY,
	lease_id     TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	expires_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leases_expiry ON execution_leases(expires_at);
`)
		return err
	}},
	{4, "command_queue", func(writerDB *sql.DB) error {
		_, err := writerDB.Exec(`
CREATE TABLE IF NOT EXISTS command_queue (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL REFERENCES sessions(session_id),
	execution_id TEXT NOT NULL,
	message_json TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_session_created ON command_queue(session_id, created_at);
`)
		return err
	}},
	{5, "events", func(writerDB *sql.DB) error {
		_, err := writerDB.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id      TEXT NOT NULL,
	session_id        TEXT NOT NULL,
	stream_event_type TEXT NOT NULL,
	payload_json      TEXT NOT NULL,
	timestamp         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id, id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`)
		return err
	}},
	{6, "callback_jobs", func(writerDB *sql.DB) error {
		_, err := writerDB.Exec(`
CREATE TABLE IF NOT EXISTS callback_jobs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT NOT NULL,
	execution_id     TEXT NOT NULL,
	target_url       TEXT NOT NULL,
	target_headers_json TEXT NOT NULL DEFAULT '{}',
	payload_json     TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_callback_jobs_due ON callback_jobs(status, next_attempt_at);
`)
		return err
	}},
	{7, "sessions_upstream_branch", func(writerDB *sql.DB) error {
		return sqlite.EnsureColumn(writerDB, "sessions", "upstream_branch", "TEXT NOT NULL DEFAULT ''")
	}},
	{8, "executions_exit_code", func(writerDB *sql.DB) error {
		return sqlite.EnsureColumn(writerDB, "executions", "exit_code", "INTEGER")
	}},
}

// runMigrations applies every not-yet-recorded migration in migrations, in
// version order, inside a single BEGIN IMMEDIATE transaction. BEGIN IMMEDIATE
// takes SQLite's write lock up front, so a second process opening the same
// database file concurrently blocks (up to the configured busy timeout)
// until this transaction commits instead of racing to apply the same
// migration twice — the "concurrency barrier at session first-touch" this
// store must provide. A stored version higher than the newest migration this
// binary knows about means an older binary opened a database written by a
// newer one; that is a schema-version regression and fails closed with
// StorageCorrupt rather than silently operating against an unknown schema.
func (s *Store) runMigrations() error {
	writerDB := s.pool.Writer().DB

	if _, err := writerDB.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin migration barrier: %w", err)
	}
	if err := s.applyMigrationsLocked(writerDB); err != nil {
		_, _ = writerDB.Exec("ROLLBACK")
		return err
	}
	if _, err := writerDB.Exec("COMMIT"); err != nil {
		return fmt.Errorf("commit migration barrier: %w", err)
	}
	return nil
}

// applyMigrationsLocked runs entirely inside the caller's raw BEGIN
// IMMEDIATE/COMMIT pair. The writer pool is limited to a single connection
// (see db.OpenSQLite), so every Exec/QueryRow below reuses that same
// connection and therefore the same transaction — there is no sql.Tx here
// because database/sql has no handle on a transaction started with a raw
// "BEGIN IMMEDIATE" statement rather than DB.Begin.
func (s *Store) applyMigrationsLocked(writerDB *sql.DB) error {
	if _, err := writerDB.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := writerDB.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read current schema version: %w", err)
	}

	latestKnown := migrations[len(migrations)-1].version
	if current > latestKnown {
		return apperrors.StorageCorrupt(
			fmt.Sprintf("database schema version %d is newer than the %d this binary supports", current, latestKnown),
			nil,
		)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(writerDB); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := writerDB.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		s.logger.Debug("applied schema migration", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return nil
}

// ErrNoRows is returned by single-row lookups that find nothing; callers
// compare with errors.Is against sql.ErrNoRows directly since sqlx surfaces
// the same sentinel.
var ErrNoRows = sql.ErrNoRows
