package repositories

import (
	"context"
	"errors"

	"github.com/upb/governed-core/models"
)

var (
	// ErrNotFound is returned when a lookup matches nothing
	ErrNotFound = errors.New("not found")

	// ErrSequenceConflict is returned by LedgerRepository.Insert when the
	// record does not extend the stored tail (sequence taken, gap, or a
	// previousRecordHash that differs from the stored tail hash).
	ErrSequenceConflict = errors.New("ledger sequence conflict")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// LedgerRepository is the durable backing store of the audit ledger.
// It exposes no update or delete.
type LedgerRepository interface {
	// Tail returns the record with the highest sequence, or nil when empty
	Tail(ctx context.Context) (*models.AuditRecord, error)

	// Insert durably stores a sealed record. It must return only after the
	// write is durable and must reject, with ErrSequenceConflict, any record
	// that is not the exact successor of the stored tail.
	Insert(ctx context.Context, record *models.AuditRecord) error

	// GetBySequence retrieves one record
	GetBySequence(ctx context.Context, sequence int64) (*models.AuditRecord, error)

	// Range retrieves records with from <= sequence <= to, ascending
	Range(ctx context.Context, from, to int64) ([]*models.AuditRecord, error)

	// GetByRequestID retrieves all records written for one logical action
	GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error)
}

// RuleRepository supplies authorization rule tables
type RuleRepository interface {
	// Load returns the current rule table, rules in evaluation order
	Load(ctx context.Context) (*models.RuleTable, error)

	// Replace atomically swaps the stored rule table
	Replace(ctx context.Context, table *models.RuleTable) error
}

// ManifestRepository stores exported evidence manifests
type ManifestRepository interface {
	// Save stores a manifest; run ids are unique
	Save(ctx context.Context, manifest *models.EvidenceManifest) error

	// GetByRunID retrieves a manifest by run id
	GetByRunID(ctx context.Context, runID string) (*models.EvidenceManifest, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Ledger    LedgerRepository
	Rules     RuleRepository
	Manifests ManifestRepository
}
