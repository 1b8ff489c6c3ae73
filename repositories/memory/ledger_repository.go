// Package memory provides in-process repositories for tests and ephemeral
// deployments. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
)

// LedgerRepository is a slice-backed repositories.LedgerRepository
type LedgerRepository struct {
	mu      sync.RWMutex
	records []*models.AuditRecord
}

// NewLedgerRepository creates an empty in-memory ledger store
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{}
}

// Tail returns a copy of the last record, or nil when empty
func (r *LedgerRepository) Tail(ctx context.Context) (*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.records) == 0 {
		return nil, nil
	}
	return clone(r.records[len(r.records)-1]), nil
}

// Insert appends a copy of the record if it extends the tail
func (r *LedgerRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tailSeq, tailHash := int64(0), models.GenesisHash
	if n := len(r.records); n > 0 {
		tailSeq, tailHash = r.records[n-1].Sequence, r.records[n-1].RecordHash
	}
	if record.Sequence != tailSeq+1 || record.PreviousRecordHash != tailHash {
		return repositories.ErrSequenceConflict
	}

	r.records = append(r.records, clone(record))
	return nil
}

// GetBySequence retrieves one record
func (r *LedgerRepository) GetBySequence(ctx context.Context, sequence int64) (*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sequence < 1 || sequence > int64(len(r.records)) {
		return nil, fmt.Errorf("ledger record %d: %w", sequence, repositories.ErrNotFound)
	}
	return clone(r.records[sequence-1]), nil
}

// Range retrieves records with from <= sequence <= to
func (r *LedgerRepository) Range(ctx context.Context, from, to int64) ([]*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if from < 1 {
		from = 1
	}
	if n := int64(len(r.records)); to > n {
		to = n
	}

	var out []*models.AuditRecord
	for seq := from; seq <= to; seq++ {
		out = append(out, clone(r.records[seq-1]))
	}
	return out, nil
}

// GetByRequestID retrieves all records for a request
func (r *LedgerRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AuditRecord
	for _, rec := range r.records {
		if rec.RequestID == requestID {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

// Len returns the number of stored records
func (r *LedgerRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func clone(rec *models.AuditRecord) *models.AuditRecord {
	c := *rec
	if rec.Payload != nil {
		c.Payload = append([]byte(nil), rec.Payload...)
	}
	return &c
}
