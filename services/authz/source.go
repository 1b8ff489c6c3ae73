package authz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/upb/governed-core/models"
)

var validate = validator.New()

// ParseRuleTable decodes and validates a YAML rule table. The table's
// actions are layered over the default catalog.
//
//	version: "2025-03-01"
//	actions:
//	  ATTACH_DOCUMENT: Documents
//	rules:
//	  - {role: OPERATOR, action: CALCULATE_DUTY, effect: allow}
func ParseRuleTable(data []byte) (*models.RuleTable, error) {
	var table models.RuleTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to decode rule table: %w", err)
	}
	table.Actions = models.DefaultActionCatalog().Merge(table.Actions)

	if err := ValidateRuleTable(&table); err != nil {
		return nil, err
	}
	return &table, nil
}

// ValidateRuleTable checks field constraints and that every rule names a
// catalogued action
func ValidateRuleTable(table *models.RuleTable) error {
	if table == nil {
		return fmt.Errorf("rule table is nil")
	}
	if err := validate.Struct(table); err != nil {
		return fmt.Errorf("invalid rule table: %w", err)
	}
	for i, r := range table.Rules {
		if !table.Actions.Contains(r.Action) {
			return fmt.Errorf("invalid rule table: rule %d references unknown action %q", i, r.Action)
		}
	}
	return nil
}

// FileRuleSource is a repositories.RuleRepository backed by a YAML file.
// An empty path or a missing file yields the empty table.
type FileRuleSource struct {
	path string
}

// NewFileRuleSource creates a rule source reading path
func NewFileRuleSource(path string) *FileRuleSource {
	return &FileRuleSource{path: path}
}

// Load reads and validates the file
func (s *FileRuleSource) Load(ctx context.Context) (*models.RuleTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.path == "" {
		return models.EmptyRuleTable(), nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.EmptyRuleTable(), nil
		}
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRuleTable(data)
}

// Replace writes the table to the file through a rename so readers never see
// a partial document
func (s *FileRuleSource) Replace(ctx context.Context, table *models.RuleTable) error {
	if s.path == "" {
		return fmt.Errorf("rule file path not configured")
	}
	if err := ValidateRuleTable(table); err != nil {
		return err
	}

	data, err := yaml.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode rule table: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp rule file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rule file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync rule file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close rule file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to install rule file: %w", err)
	}
	return nil
}
