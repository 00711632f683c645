// Package storage persists executions, indicators and alerts in SQLite.
//
// File databases run in WAL mode with a single-connection write pool and a
// query-only read pool. ":memory:" databases use one connection for both,
// since every new in-memory connection would open an empty database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite holds the write and read connection pools
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// NewSQLite opens (creating if needed) the database at dbPath and ensures the schema
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	s := &SQLite{Path: dbPath, Logger: logger}
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	if dbPath == MemoryPath {
		db, err := sql.Open("sqlite", dbPath+"?"+pragmas)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		s.WriteDB = db
		s.ReadDB = db
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		writeDB, err := sql.Open("sqlite", dbPath+"?"+pragmas+"&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
		}
		writeDB.SetMaxOpenConns(1)
		writeDB.SetMaxIdleConns(1)
		writeDB.SetConnMaxLifetime(0)
		writeDB.SetConnMaxIdleTime(10 * time.Minute)
		s.WriteDB = writeDB

		// The write pool creates the file and switches it to WAL first
		if err := s.verifyJournalMode(); err != nil {
			_ = writeDB.Close()
			return nil, err
		}

		readDB, err := sql.Open("sqlite", dbPath+"?"+pragmas+"&_pragma=query_only(1)")
		if err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
		}
		readDB.SetMaxOpenConns(10)
		readDB.SetMaxIdleConns(5)
		readDB.SetConnMaxLifetime(5 * time.Minute)
		readDB.SetConnMaxIdleTime(10 * time.Minute)
		s.ReadDB = readDB
	}

	if err := s.WriteDB.Ping(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if err := s.createTables(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s", dbPath)
	return s, nil
}

func (s *SQLite) verifyJournalMode() error {
	var mode string
	if err := s.WriteDB.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("WAL mode not enabled (got: %s)", mode)
	}
	s.Logger.Debugf("SQLite journal mode verified: %s", mode)
	return nil
}

// WithTransaction runs fn in a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck pings both pools
func (s *SQLite) HealthCheck(ctx context.Context) error {
	if err := s.WriteDB.PingContext(ctx); err != nil {
		return err
	}
	return s.ReadDB.PingContext(ctx)
}

// Close closes both pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil && s.ReadDB != s.WriteDB {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		tool_id TEXT NOT NULL,
		case_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		target TEXT NOT NULL,            -- JSON object
		parameters TEXT,                 -- JSON object
		timeout_seconds INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		exit_code INTEGER,
		result TEXT,                     -- JSON object
		error TEXT NOT NULL DEFAULT '',
		output BLOB,                     -- zstd-compressed JSON array of output lines
		output_truncated INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_case ON executions(case_id);
	CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);

	CREATE TABLE IF NOT EXISTS indicators (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		normalized TEXT NOT NULL,
		threat_level TEXT NOT NULL,
		confidence REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 100),
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		enrichment TEXT,                  -- JSON object keyed by source
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		seen_count INTEGER NOT NULL DEFAULT 1
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_indicators_type_normalized ON indicators(type, normalized);
	CREATE INDEX IF NOT EXISTS idx_indicators_last_seen ON indicators(last_seen DESC);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL DEFAULT '',
		anomaly_score REAL,
		severity TEXT NOT NULL,
		severity_rank INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		indicators TEXT NOT NULL DEFAULT '[]', -- JSON array
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_fired_at TEXT NOT NULL,
		firing_count INTEGER NOT NULL DEFAULT 1,
		case_id TEXT NOT NULL DEFAULT '',
		execution_ids TEXT NOT NULL DEFAULT '[]',
		finding_ids TEXT NOT NULL DEFAULT '[]',
		fingerprint TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts(fingerprint, created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at DESC);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return err
	}
	return nil
}

// validateDatabasePath rejects empty, oversized and traversing paths
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.Contains(dbPath, "?") {
		return fmt.Errorf("query parameters not allowed in path: %s", dbPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
