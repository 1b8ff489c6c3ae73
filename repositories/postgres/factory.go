package postgres

import (
	"context"

	"github.com/upb/governed-core/config"
	"github.com/upb/governed-core/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db       *DB
	ledgerDB *DB // Optional: separate DB for the audit ledger
	logger   *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.LedgerDatabase != nil {
		ledgerDB, err := NewDB(*cfg.LedgerDatabase, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		f.ledgerDB = ledgerDB
	}

	return f, nil
}

// InitSchema initializes every table the repositories need
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	if err := f.db.InitSchema(ctx); err != nil {
		return err
	}
	return f.ledger().InitLedgerSchema(ctx)
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Ledger:    NewLedgerRepository(f.ledger(), f.logger),
		Rules:     NewRuleRepository(f.db, f.logger),
		Manifests: NewManifestRepository(f.db, f.logger),
	}
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.ledgerDB != nil {
		_ = f.ledgerDB.Close()
	}
	return f.db.Close()
}

func (f *RepositoryFactory) ledger() *DB {
	if f.ledgerDB != nil {
		return f.ledgerDB
	}
	return f.db
}
