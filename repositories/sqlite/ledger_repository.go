package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
	"go.uber.org/zap"
)

const ledgerColumns = `sequence, request_id, actor_id, action_kind, payload_hash,
	previous_record_hash, record_hash, timestamp, payload`

// LedgerRepository implements repositories.LedgerRepository on SQLite
type LedgerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// Ledger returns the ledger repository backed by this store
func (s *Store) Ledger() repositories.LedgerRepository {
	return &LedgerRepository{db: s.db, logger: s.logger}
}

// Tail returns the last record, or nil when empty
func (r *LedgerRepository) Tail(ctx context.Context) (*models.AuditRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM audit_ledger ORDER BY sequence DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger tail: %w", err)
	}
	return rec, nil
}

// Insert stores a record after checking it extends the tail
func (r *LedgerRepository) Insert(ctx context.Context, record *models.AuditRecord) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	tailSeq, tailHash := int64(0), models.GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT sequence, record_hash FROM audit_ledger ORDER BY sequence DESC LIMIT 1`).
		Scan(&tailSeq, &tailHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read ledger tail: %w", err)
	}
	if record.Sequence != tailSeq+1 || record.PreviousRecordHash != tailHash {
		err = repositories.ErrSequenceConflict
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_ledger (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Sequence,
		record.RequestID,
		record.ActorID,
		string(record.ActionKind),
		record.PayloadHash,
		record.PreviousRecordHash,
		record.RecordHash,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		[]byte(record.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger record: %w", err)
	}

	r.logger.Debug("ledger record inserted", zap.Int64("sequence", record.Sequence))
	return nil
}

// GetBySequence retrieves one record
func (r *LedgerRepository) GetBySequence(ctx context.Context, sequence int64) (*models.AuditRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM audit_ledger WHERE sequence = ?`, sequence)
	rec, err := scanRecord(row)
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
	return r.query(ctx, `SELECT `+ledgerColumns+` FROM audit_ledger WHERE sequence BETWEEN ? AND ? ORDER BY sequence ASC`, from, to)
}

// GetByRequestID retrieves all records for a request
func (r *LedgerRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error) {
	return r.query(ctx, `SELECT `+ledgerColumns+` FROM audit_ledger WHERE request_id = ? ORDER BY sequence ASC`, requestID)
}

func (r *LedgerRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger records: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	var kind, ts string
	var payload []byte
	if err := row.Scan(
		&rec.Sequence,
		&rec.RequestID,
		&rec.ActorID,
		&kind,
		&rec.PayloadHash,
		&rec.PreviousRecordHash,
		&rec.RecordHash,
		&ts,
		&payload,
	); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("invalid stored timestamp %q: %w", ts, err)
	}
	rec.ActionKind = models.ActionKind(kind)
	rec.Timestamp = parsed.UTC()
	rec.Payload = payload
	return rec, nil
}
