package models

import "sort"

// Action is an opaque capability token being requested.
type Action string

const (
	ActionCreateDraft    Action = "CREATE_DRAFT"
	ActionApproveDraft   Action = "APPROVE_DRAFT"
	ActionPublish        Action = "PUBLISH"
	ActionCalculateDuty  Action = "CALCULATE_DUTY"
	ActionExportEvidence Action = "EXPORT_EVIDENCE"
)

// ActionCatalog is the closed set of known actions, each mapped to the
// domain label used in user-visible messages. Extended through
// configuration only.
type ActionCatalog map[Action]string

// DefaultActionCatalog returns the built-in action set
func DefaultActionCatalog() ActionCatalog {
	return ActionCatalog{
		ActionCreateDraft:    "Catalogue",
		ActionApproveDraft:   "Catalogue",
		ActionPublish:        "Catalogue",
		ActionCalculateDuty:  "Logistics",
		ActionExportEvidence: "Evidence",
	}
}

// Contains reports whether the action is part of the catalog
func (c ActionCatalog) Contains(action Action) bool {
	_, ok := c[action]
	return ok
}

// Domain returns the domain label of an action. Unknown actions fall back
// to "Governed".
func (c ActionCatalog) Domain(action Action) string {
	if d, ok := c[action]; ok && d != "" {
		return d
	}
	return "Governed"
}

// Merge returns a new catalog with the entries of other layered over c
func (c ActionCatalog) Merge(other ActionCatalog) ActionCatalog {
	out := make(ActionCatalog, len(c)+len(other))
	for a, d := range c {
		out[a] = d
	}
	for a, d := range other {
		out[a] = d
	}
	return out
}

// Actions returns the catalog's actions in lexical order
func (c ActionCatalog) Actions() []Action {
	out := make([]Action, 0, len(c))
	for a := range c {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
