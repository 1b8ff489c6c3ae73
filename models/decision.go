package models

import "time"

// ReasonCode explains an authorization outcome without exposing rule contents.
type ReasonCode string

const (
	ReasonRuleAllow      ReasonCode = "RULE_ALLOW"
	ReasonRuleDeny       ReasonCode = "RULE_DENY"
	ReasonNoMatchingRule ReasonCode = "NO_MATCHING_RULE"
	ReasonUnknownAction  ReasonCode = "UNKNOWN_ACTION"
	ReasonMissingRole    ReasonCode = "MISSING_ROLE"
	ReasonInternalError  ReasonCode = "INTERNAL_ERROR"
)

// AuthorizationDecision is produced once per authorize call and always
// recorded in the ledger.
type AuthorizationDecision struct {
	RequestID        string     `json:"requestId"`
	Action           Action     `json:"action"`
	ActorID          string     `json:"actorId"`
	Role             string     `json:"role"`
	ResourceRef      string     `json:"resourceRef,omitempty"`
	Allowed          bool       `json:"allowed"`
	ReasonCode       ReasonCode `json:"reasonCode"`
	RuleIndex        int        `json:"ruleIndex"`
	RuleTableVersion string     `json:"ruleTableVersion"`
	Timestamp        time.Time  `json:"timestamp"`

	// Sequence of the audit record sealing this decision; zero until sealed.
	Sequence int64 `json:"sequence,omitempty"`
}
