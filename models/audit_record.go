package models

import (
	"encoding/json"
	"time"
)

// ActionKind classifies what an audit record describes
type ActionKind string

const (
	ActionKindAuthzDecision    ActionKind = "AUTHZ_DECISION"
	ActionKindDutyCalculated   ActionKind = "DUTY_CALCULATED"
	ActionKindEvidenceExported ActionKind = "EVIDENCE_EXPORTED"
)

// GenesisHash is the previousRecordHash of sequence 1.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditRecord is one sealed, hash-linked ledger entry.
type AuditRecord struct {
	Sequence           int64           `json:"sequence" db:"sequence"`
	RequestID          string          `json:"requestId" db:"request_id"`
	ActorID            string          `json:"actorId" db:"actor_id"`
	ActionKind         ActionKind      `json:"actionKind" db:"action_kind"`
	PayloadHash        string          `json:"payloadHash" db:"payload_hash"`
	PreviousRecordHash string          `json:"previousRecordHash" db:"previous_record_hash"`
	RecordHash         string          `json:"recordHash" db:"record_hash"`
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
	Payload            json.RawMessage `json:"payload,omitempty" db:"payload"`
}

// TableName returns the table name for the AuditRecord model
func (AuditRecord) TableName() string {
	return "audit_ledger"
}

// AuditCandidate is an unsealed record handed to the ledger. The ledger
// assigns sequence, hashes and timestamp.
type AuditCandidate struct {
	RequestID  string      `json:"requestId"`
	ActorID    string      `json:"actorId"`
	ActionKind ActionKind  `json:"actionKind"`
	Body       interface{} `json:"body"`
}

// NewAuditCandidate creates a candidate for the given request context
func NewAuditCandidate(rc RequestContext, kind ActionKind) *AuditCandidate {
	return &AuditCandidate{
		RequestID:  rc.RequestID,
		ActorID:    rc.Actor.ActorID,
		ActionKind: kind,
	}
}

// WithBody sets the payload body
func (c *AuditCandidate) WithBody(body interface{}) *AuditCandidate {
	c.Body = body
	return c
}

// WithRequest overrides the request id
func (c *AuditCandidate) WithRequest(requestID string) *AuditCandidate {
	c.RequestID = requestID
	return c
}
