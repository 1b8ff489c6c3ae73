package models

// Effect is the outcome a matching rule produces.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule grants or denies one action to one role. Rules carry no actor id.
type Rule struct {
	Role   string `json:"role" yaml:"role" validate:"required"`
	Action Action `json:"action" yaml:"action" validate:"required"`
	Effect Effect `json:"effect" yaml:"effect" validate:"required,oneof=allow deny"`
}

// Matches reports whether the rule applies to the role/action pair
func (r Rule) Matches(role string, action Action) bool {
	return role != "" && r.Role == role && r.Action == action
}

// RuleTable is a versioned, ordered rule list evaluated first-match-wins.
type RuleTable struct {
	Version string        `json:"version" yaml:"version" validate:"required"`
	Actions ActionCatalog `json:"actions" yaml:"actions"`
	Rules   []Rule        `json:"rules" yaml:"rules" validate:"dive"`
}

// EmptyRuleTable returns a table with the default catalog and no rules;
// everything evaluated against it is denied.
func EmptyRuleTable() *RuleTable {
	return &RuleTable{
		Version: "empty",
		Actions: DefaultActionCatalog(),
	}
}
