// Package sqlite implements the relay hub data store backed by a SQLite
// database. It manages API keys, machines, sessions, and server settings.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all relay hub persistence
// operations.
type Store struct {
	db *sql.DB

	resolveAPIKeyStmt *sql.Stmt
	getMachineStmt    *sql.Stmt
	getSessionStmt    *sql.Stmt

	touchMu              sync.Mutex
	lastTouch            map[string]time.Time
	touchMinInterval     time.Duration
	touchCleanupInterval time.Duration
	nextTouchCleanupAt   time.Time
}

const defaultTouchMinInterval = 30 * time.Second
const defaultTouchCleanupInterval = 5 * time.Minute

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const resolveAPIKeyQuery = `
SELECT id, name, namespace, key_hash, created_at
FROM api_keys
WHERE key_hash = ? AND revoked_at IS NULL`
const getMachineQuery = `
SELECT id, namespace, hostname, platform, display_name, home_dir, version, online, created_at, last_seen_at
FROM machines
WHERE id = ?`
const getSessionQuery = `
SELECT id, namespace, machine_id, active, created_at, last_seen_at
FROM sessions
WHERE id = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	now := time.Now().UTC()
	s := &Store{
		db:                   db,
		lastTouch:            make(map[string]time.Time),
		touchMinInterval:     defaultTouchMinInterval,
		touchCleanupInterval: defaultTouchCleanupInterval,
		nextTouchCleanupAt:   now.Add(defaultTouchCleanupInterval),
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.resolveAPIKeyStmt, err = s.db.PrepareContext(ctx, resolveAPIKeyQuery); err != nil {
		return fmt.Errorf("prepare resolve api key: %w", err)
	}
	if s.getMachineStmt, err = s.db.PrepareContext(ctx, getMachineQuery); err != nil {
		return fmt.Errorf("prepare get machine: %w", err)
	}
	if s.getSessionStmt, err = s.db.PrepareContext(ctx, getSessionQuery); err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}
	return nil
}

// Close closes prepared statements and the underlying database connection.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.resolveAPIKeyStmt, s.getMachineStmt, s.getSessionStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS machines (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	hostname TEXT NULL,
	online INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_seen_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	machine_id TEXT NULL,
	active INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_seen_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_machines_namespace ON machines(namespace);
CREATE INDEX IF NOT EXISTS idx_sessions_namespace ON sessions(namespace);
CREATE INDEX IF NOT EXISTS idx_sessions_active_seen ON sessions(active, last_seen_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	for _, alter := range []string{
		`ALTER TABLE api_keys ADD COLUMN namespace TEXT NOT NULL DEFAULT 'default'`,
		`ALTER TABLE machines ADD COLUMN platform TEXT NULL`,
		`ALTER TABLE machines ADD COLUMN display_name TEXT NULL`,
		`ALTER TABLE machines ADD COLUMN home_dir TEXT NULL`,
		`ALTER TABLE machines ADD COLUMN version TEXT NULL`,
	} {
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return err
			}
		}
	}
	return nil
}
