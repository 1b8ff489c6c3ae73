package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
	"go.uber.org/zap"
)

// RuleRepository implements the repositories.RuleRepository interface
type RuleRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *DB, logger *zap.Logger) repositories.RuleRepository {
	return &RuleRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Load returns the stored rule table. A database with no table stored yields
// the empty table, which denies everything.
func (r *RuleRepository) Load(ctx context.Context) (*models.RuleTable, error) {
	executor := GetExecutor(ctx, r.db)

	table := &models.RuleTable{Actions: models.ActionCatalog{}}
	err := executor.QueryRowContext(ctx, `SELECT version FROM authz_rule_tables WHERE id = 1`).Scan(&table.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EmptyRuleTable(), nil
		}
		return nil, fmt.Errorf("failed to load rule table version: %w", err)
	}

	actionRows, err := executor.QueryContext(ctx, `SELECT action, domain FROM authz_actions`)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var action models.Action
		var domain string
		if err := actionRows.Scan(&action, &domain); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		table.Actions[action] = domain
	}
	if err := actionRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	ruleRows, err := executor.QueryContext(ctx, `SELECT role, action, effect FROM authz_rules ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var rule models.Rule
		if err := ruleRows.Scan(&rule.Role, &rule.Action, &rule.Effect); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		table.Rules = append(table.Rules, rule)
	}
	if err := ruleRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	// stored actions extend the built-in catalog
	table.Actions = models.DefaultActionCatalog().Merge(table.Actions)
	return table, nil
}

// Replace swaps the stored rule table in one transaction
func (r *RuleRepository) Replace(ctx context.Context, table *models.RuleTable) error {
	err := r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)

		if _, err := executor.ExecContext(ctx, `DELETE FROM authz_rules`); err != nil {
			return fmt.Errorf("failed to clear rules: %w", err)
		}
		if _, err := executor.ExecContext(ctx, `DELETE FROM authz_actions`); err != nil {
			return fmt.Errorf("failed to clear actions: %w", err)
		}
		for _, action := range table.Actions.Actions() {
			if _, err := executor.ExecContext(ctx,
				`INSERT INTO authz_actions (action, domain) VALUES ($1, $2)`,
				action, table.Actions[action],
			); err != nil {
				return fmt.Errorf("failed to insert action: %w", err)
			}
		}
		for i, rule := range table.Rules {
			if _, err := executor.ExecContext(ctx,
				`INSERT INTO authz_rules (position, role, action, effect) VALUES ($1, $2, $3, $4)`,
				i, rule.Role, rule.Action, rule.Effect,
			); err != nil {
				return fmt.Errorf("failed to insert rule: %w", err)
			}
		}
		if _, err := executor.ExecContext(ctx, `
			INSERT INTO authz_rule_tables (id, version, updated_at) VALUES (1, $1, now())
			ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, updated_at = now()
		`, table.Version); err != nil {
			return fmt.Errorf("failed to store rule table version: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("rule table replaced",
		zap.String("version", table.Version),
		zap.Int("rules", len(table.Rules)))
	return nil
}
