// Package sqlite implements the ledger and manifest repositories on an
// embedded SQLite database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store owns the SQLite handle shared by the repositories
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
// Writers are serialized through a single connection.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_ledger (
			sequence INTEGER PRIMARY KEY CHECK (sequence > 0),
			request_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			previous_record_hash TEXT NOT NULL,
			record_hash TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ledger_request_id ON audit_ledger(request_id);

		CREATE TRIGGER IF NOT EXISTS audit_ledger_no_update
		BEFORE UPDATE ON audit_ledger
		BEGIN
			SELECT RAISE(ABORT, 'audit_ledger is append-only');
		END;

		CREATE TRIGGER IF NOT EXISTS audit_ledger_no_delete
		BEFORE DELETE ON audit_ledger
		BEGIN
			SELECT RAISE(ABORT, 'audit_ledger is append-only');
		END;

		CREATE TABLE IF NOT EXISTS evidence_manifests (
			run_id TEXT PRIMARY KEY,
			commit_sha TEXT NOT NULL,
			generated_at TEXT NOT NULL,
			files BLOB NOT NULL,
			manifest_sha256 TEXT NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite health check failed: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
