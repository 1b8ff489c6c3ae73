package memory

import (
	"context"
	"sync"

	"github.com/upb/governed-core/models"
)

// RuleRepository holds one rule table in memory
type RuleRepository struct {
	mu    sync.RWMutex
	table *models.RuleTable
}

// NewRuleRepository creates a repository seeded with table; nil seeds the
// empty table.
func NewRuleRepository(table *models.RuleTable) *RuleRepository {
	if table == nil {
		table = models.EmptyRuleTable()
	}
	return &RuleRepository{table: copyTable(table)}
}

// Load returns a copy of the current table
func (r *RuleRepository) Load(ctx context.Context) (*models.RuleTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyTable(r.table), nil
}

// Replace swaps the stored table
func (r *RuleRepository) Replace(ctx context.Context, table *models.RuleTable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = copyTable(table)
	return nil
}

func copyTable(t *models.RuleTable) *models.RuleTable {
	return &models.RuleTable{
		Version: t.Version,
		Actions: models.ActionCatalog{}.Merge(t.Actions),
		Rules:   append([]models.Rule(nil), t.Rules...),
	}
}
