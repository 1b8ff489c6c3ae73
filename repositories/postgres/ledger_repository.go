package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const ledgerColumns = `sequence, request_id, actor_id, action_kind, payload_hash,
		       previous_record_hash, record_hash, timestamp, payload`

// LedgerRepository implements the repositories.LedgerRepository interface
type LedgerRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB, logger *zap.Logger) repositories.LedgerRepository {
	return &LedgerRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Tail returns the highest-sequence record, or nil when the ledger is empty
func (r *LedgerRepository) Tail(ctx context.Context) (*models.AuditRecord, error) {
	query := `SELECT ` + ledgerColumns + ` FROM audit_ledger ORDER BY sequence DESC LIMIT 1`

	rec, err := scanRecord(GetExecutor(ctx, r.db).QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger tail: %w", err)
	}
	return rec, nil
}

// Insert stores a sealed record inside a transaction holding the ledger
// advisory lock, after checking that it extends the stored tail.
func (r *LedgerRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	err := r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)
		if err := lockLedger(ctx, executor); err != nil {
			return err
		}

		tailSeq, tailHash := int64(0), models.GenesisHash
		err := executor.QueryRowContext(ctx,
			`SELECT sequence, record_hash FROM audit_ledger ORDER BY sequence DESC LIMIT 1`,
		).Scan(&tailSeq, &tailHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read ledger tail: %w", err)
		}
		if record.Sequence != tailSeq+1 || record.PreviousRecordHash != tailHash {
			return repositories.ErrSequenceConflict
		}

		query := `
			INSERT INTO audit_ledger (
				sequence, request_id, actor_id, action_kind, payload_hash,
				previous_record_hash, record_hash, timestamp, payload
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		_, err = executor.ExecContext(ctx, query,
			record.Sequence,
			record.RequestID,
			record.ActorID,
			record.ActionKind,
			record.PayloadHash,
			record.PreviousRecordHash,
			record.RecordHash,
			record.Timestamp,
			[]byte(record.Payload),
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return repositories.ErrSequenceConflict
			}
			return fmt.Errorf("failed to insert ledger record: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("ledger record inserted",
		zap.Int64("sequence", record.Sequence),
		zap.String("action_kind", string(record.ActionKind)))
	return nil
}

// GetBySequence retrieves one record
func (r *LedgerRepository) GetBySequence(ctx context.Context, sequence int64) (*models.AuditRecord, error) {
	query := `SELECT ` + ledgerColumns + ` FROM audit_ledger WHERE sequence = $1`

	rec, err := scanRecord(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, sequence))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger record %d: %w", sequence, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ledger record: %w", err)
	}
	return rec, nil
}

// Range retrieves records with from <= sequence <= to, ascending
func (r *LedgerRepository) Range(ctx context.Context, from, to int64) ([]*models.AuditRecord, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM audit_ledger
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC`

	return r.queryRecords(ctx, query, from, to)
}

// GetByRequestID retrieves all records written for one logical action
func (r *LedgerRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM audit_ledger
		WHERE request_id = $1
		ORDER BY sequence ASC`

	return r.queryRecords(ctx, query, requestID)
}

func (r *LedgerRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.AuditRecord, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger records: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var payload []byte
	err := row.Scan(
		&rec.Sequence,
		&rec.RequestID,
		&rec.ActorID,
		&rec.ActionKind,
		&rec.PayloadHash,
		&rec.PreviousRecordHash,
		&rec.RecordHash,
		&rec.Timestamp,
		&payload,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return rec, nil
}
