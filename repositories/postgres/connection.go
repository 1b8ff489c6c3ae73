package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/governed-core/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return WrapDB(db, logger), nil
}

// WrapDB wraps an already opened pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{
		DB:     db,
		logger: logger,
	}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the rule and manifest tables
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS authz_rule_tables (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			version VARCHAR(100) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS authz_actions (
			action VARCHAR(100) PRIMARY KEY,
			domain VARCHAR(100) NOT NULL
		);

		CREATE TABLE IF NOT EXISTS authz_rules (
			position INTEGER PRIMARY KEY,
			role VARCHAR(100) NOT NULL,
			action VARCHAR(100) NOT NULL,
			effect VARCHAR(10) NOT NULL CHECK (effect IN ('allow', 'deny'))
		);

		CREATE TABLE IF NOT EXISTS evidence_manifests (
			run_id VARCHAR(255) PRIMARY KEY,
			commit_sha VARCHAR(64) NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL,
			files JSONB NOT NULL,
			manifest_sha256 CHAR(64) NOT NULL
		);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitLedgerSchema initializes the append-only ledger table. Updates and
// deletes are rejected by trigger. Payloads are stored as raw bytes so the
// canonical encoding survives the round trip.
func (db *DB) InitLedgerSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_ledger (
			sequence BIGINT PRIMARY KEY CHECK (sequence > 0),
			request_id VARCHAR(255) NOT NULL,
			actor_id VARCHAR(255) NOT NULL,
			action_kind VARCHAR(100) NOT NULL,
			payload_hash CHAR(64) NOT NULL,
			previous_record_hash CHAR(64) NOT NULL,
			record_hash CHAR(64) NOT NULL UNIQUE,
			timestamp TIMESTAMPTZ NOT NULL,
			payload BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ledger_request_id ON audit_ledger(request_id);

		CREATE OR REPLACE FUNCTION audit_ledger_reject_mutation() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'audit_ledger is append-only';
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS audit_ledger_no_mutation ON audit_ledger;
		CREATE TRIGGER audit_ledger_no_mutation
			BEFORE UPDATE OR DELETE ON audit_ledger
			FOR EACH ROW EXECUTE FUNCTION audit_ledger_reject_mutation();
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	db.logger.Info("ledger schema initialized successfully")
	return nil
}
