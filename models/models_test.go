package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestContext(t *testing.T) {
	actor := Actor{ActorID: "u-1", Role: "BUYER", Source: "web"}

	rc := NewRequestContext("REQ-1", actor)

	assert.Equal(t, "REQ-1", rc.RequestID)
	assert.Equal(t, actor, rc.Actor)
}

func TestActionCatalog_Domain(t *testing.T) {
	catalog := DefaultActionCatalog()

	tests := []struct {
		action Action
		want   string
	}{
		{ActionPublish, "Catalogue"},
		{ActionCreateDraft, "Catalogue"},
		{ActionCalculateDuty, "Logistics"},
		{ActionExportEvidence, "Evidence"},
		{Action("UNKNOWN"), "Governed"},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, catalog.Domain(tt.action))
		})
	}
}

func TestActionCatalog_Merge(t *testing.T) {
	base := DefaultActionCatalog()
	merged := base.Merge(ActionCatalog{"ATTACH_DOCUMENT": "Documents"})

	assert.True(t, merged.Contains("ATTACH_DOCUMENT"))
	assert.True(t, merged.Contains(ActionPublish))
	assert.False(t, base.Contains("ATTACH_DOCUMENT"), "merge must not mutate the receiver")
	assert.Equal(t, []Action{ActionApproveDraft, "ATTACH_DOCUMENT", ActionCalculateDuty, ActionCreateDraft, ActionExportEvidence, ActionPublish}, merged.Actions())
}

func TestRule_Matches(t *testing.T) {
	rule := Rule{Role: "SELLER", Action: ActionPublish, Effect: EffectAllow}

	assert.True(t, rule.Matches("SELLER", ActionPublish))
	assert.False(t, rule.Matches("BUYER", ActionPublish))
	assert.False(t, rule.Matches("SELLER", ActionCreateDraft))
	assert.False(t, Rule{Action: ActionPublish, Effect: EffectAllow}.Matches("", ActionPublish))
}

func TestEmptyRuleTable(t *testing.T) {
	table := EmptyRuleTable()

	assert.Empty(t, table.Rules)
	assert.True(t, table.Actions.Contains(ActionPublish))
}

func TestAuditCandidate_Builder(t *testing.T) {
	rc := NewRequestContext("REQ-9", Actor{ActorID: "u-9", Role: "OPS"})

	c := NewAuditCandidate(rc, ActionKindDutyCalculated).WithBody(map[string]string{"k": "v"})

	assert.Equal(t, "REQ-9", c.RequestID)
	assert.Equal(t, "u-9", c.ActorID)
	assert.Equal(t, ActionKindDutyCalculated, c.ActionKind)
	assert.Equal(t, map[string]string{"k": "v"}, c.Body)

	c.WithRequest("REQ-10")
	assert.Equal(t, "REQ-10", c.RequestID)
}

func TestAuditRecord_TableName(t *testing.T) {
	assert.Equal(t, "audit_ledger", AuditRecord{}.TableName())
	assert.Equal(t, "evidence_manifests", EvidenceManifest{}.TableName())
}

func TestMoney_JSON(t *testing.T) {
	m := NewMoney(decimal.RequireFromString("12.345"))

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `"12.35"`, string(data))

	var back Money
	require.NoError(t, json.Unmarshal([]byte(`"7.1"`), &back))
	assert.Equal(t, "7.10", back.StringFixed(2))
}

func TestNewShipment_FixesIncoterm(t *testing.T) {
	in := ShipmentInput{
		HSCode:             "850760",
		DeclaredValue:      decimal.NewFromInt(10000),
		Currency:           "AUD",
		WeightKg:           decimal.NewFromInt(120),
		OriginCountry:      "CN",
		DestinationCountry: "AU",
	}
	duty := DutyCalculation{
		HSCode:      "850760",
		CustomsDuty: NewMoney(decimal.NewFromInt(500)),
		GST:         NewMoney(decimal.NewFromInt(1050)),
		Currency:    "AUD",
	}

	s := NewShipment("s-1", "REQ-1", in, duty, time.Unix(0, 0).UTC())

	assert.Equal(t, IncotermDDP, s.Incoterm)
	assert.Equal(t, "CN", s.OriginCountry)
	assert.Equal(t, "AU", s.DestinationCountry)
	assert.Equal(t, "1550.00", s.Duty.Total().StringFixed(2))
}

func TestGenesisHash_IsSHA256Width(t *testing.T) {
	assert.Len(t, GenesisHash, 64)
}
