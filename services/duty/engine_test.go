package duty

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories/memory"
	"github.com/upb/governed-core/services"
	"github.com/upb/governed-core/services/authz"
	"github.com/upb/governed-core/services/ledger"
)

// MockAuthorizer is a mock implementation of authz.Authorizer
type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) AuthorizeAction(ctx context.Context, rc models.RequestContext, action models.Action) error {
	args := m.Called(ctx, rc, action)
	return args.Error(0)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func scenarioInput() models.ShipmentInput {
	return models.ShipmentInput{
		HSCode:             "850760",
		DeclaredValue:      dec("10000"),
		Currency:           "AUD",
		WeightKg:           dec("120"),
		OriginCountry:      "CN",
		DestinationCountry: "AU",
	}
}

type engineFixture struct {
	engine  *Engine
	ledger  *ledger.Ledger
	records *memory.LedgerRepository
}

// newGovernedFixture wires a real gate that allows OPERATOR to calculate duty
func newGovernedFixture(t *testing.T) *engineFixture {
	t.Helper()
	records := memory.NewLedgerRepository()
	l := ledger.New(records, zap.NewNop())
	require.NoError(t, l.Open(context.Background()))

	rules := memory.NewRuleRepository(&models.RuleTable{
		Version: "t",
		Actions: models.DefaultActionCatalog(),
		Rules: []models.Rule{
			{Role: "OPERATOR", Action: models.ActionCalculateDuty, Effect: models.EffectAllow},
		},
	})
	gate := authz.NewGate(rules, l, nil, zap.NewNop())

	n := 0
	engine := NewEngine(gate, l, nil, zap.NewNop(),
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { n++; return "shp-" + string(rune('0'+n)) }))

	return &engineFixture{engine: engine, ledger: l, records: records}
}

func operator(requestID string) models.RequestContext {
	return models.NewRequestContext(requestID, models.Actor{ActorID: "op-1", Role: "OPERATOR"})
}

func TestEngine_ComputeAustralianBatteryScenario(t *testing.T) {
	f := newGovernedFixture(t)

	shipment, record, err := f.engine.Compute(context.Background(), operator("REQ-1"), scenarioInput())
	require.NoError(t, err)

	assert.Equal(t, models.IncotermDDP, shipment.Incoterm)
	assert.Equal(t, "AUD", shipment.Duty.Currency)
	assert.Equal(t, "REQ-1", shipment.RequestID)
	assert.False(t, shipment.Duty.CustomsDuty.IsNegative())
	assert.False(t, shipment.Duty.GST.IsNegative())
	assert.Equal(t, "0.00", shipment.Duty.CustomsDuty.StringFixed(2))
	assert.Equal(t, "1000.00", shipment.Duty.GST.StringFixed(2))
	assert.True(t, shipment.Duty.CustomsDuty.Equal(shipment.Duty.CustomsDuty.Round(2)))
	assert.True(t, shipment.Duty.GST.Equal(shipment.Duty.GST.Round(2)))

	// decision record, then calculation record
	assert.Equal(t, 2, f.records.Len())
	assert.Equal(t, int64(2), record.Sequence)
	assert.Equal(t, models.ActionKindDutyCalculated, record.ActionKind)
	assert.Equal(t, "REQ-1", record.RequestID)

	var env struct {
		Body struct {
			ShipmentID string `json:"shipmentId"`
			Incoterm   string `json:"incoterm"`
			Duty       struct {
				GST string `json:"gst"`
			} `json:"duty"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(record.Payload, &env))
	assert.Equal(t, shipment.ShipmentID, env.Body.ShipmentID)
	assert.Equal(t, "DDP", env.Body.Incoterm)
	assert.Equal(t, "1000.00", env.Body.Duty.GST)

	assert.NoError(t, f.ledger.Verify(context.Background(), 1, 2))
}

func TestEngine_ComputeIsDeterministicAcrossRequests(t *testing.T) {
	f := newGovernedFixture(t)
	in := scenarioInput()
	in.DestinationCountry = "GB"

	a, _, err := f.engine.Compute(context.Background(), operator("REQ-A"), in)
	require.NoError(t, err)
	b, _, err := f.engine.Compute(context.Background(), operator("REQ-B"), in)
	require.NoError(t, err)

	assert.Equal(t, a.Duty, b.Duty)
	assert.NotEqual(t, a.ShipmentID, b.ShipmentID)

	again, err := f.engine.Recompute(in)
	require.NoError(t, err)
	assert.Equal(t, a.Duty, again)
}

func TestEngine_DeniedLeavesOnlyDecisionRecord(t *testing.T) {
	f := newGovernedFixture(t)
	buyer := models.NewRequestContext("REQ-2", models.Actor{ActorID: "b-1", Role: "BUYER"})

	shipment, record, err := f.engine.Compute(context.Background(), buyer, scenarioInput())

	assert.Nil(t, shipment)
	assert.Nil(t, record)
	assert.True(t, services.IsAuthorizationError(err))
	assert.Equal(t, 1, f.records.Len())

	recs, err := f.ledger.RecordsForRequest(context.Background(), "REQ-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.ActionKindAuthzDecision, recs[0].ActionKind)
}

func TestEngine_InvalidInputWritesNoCalculationRecord(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*models.ShipmentInput)
		wantField string
	}{
		{"negative value", func(in *models.ShipmentInput) { in.DeclaredValue = dec("-1") }, "declaredValue"},
		{"negative weight", func(in *models.ShipmentInput) { in.WeightKg = dec("-0.5") }, "weightKg"},
		{"missing hs code", func(in *models.ShipmentInput) { in.HSCode = "" }, "hsCode"},
		{"non-numeric hs code", func(in *models.ShipmentInput) { in.HSCode = "85A7" }, "hsCode"},
		{"lowercase currency", func(in *models.ShipmentInput) { in.Currency = "aud" }, "currency"},
		{"unknown currency", func(in *models.ShipmentInput) { in.Currency = "ZZZ" }, "currency"},
		{"bad origin", func(in *models.ShipmentInput) { in.OriginCountry = "XX" }, "originCountry"},
		{"unscheduled destination", func(in *models.ShipmentInput) { in.DestinationCountry = "FR" }, "destinationCountry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGovernedFixture(t)
			in := scenarioInput()
			tt.mutate(&in)

			shipment, _, err := f.engine.Compute(context.Background(), operator("REQ-3"), in)

			assert.Nil(t, shipment)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err), "got %v", err)
			assert.Equal(t, tt.wantField, services.GetErrorDetails(err)["field"])
			assert.Equal(t, 1, f.records.Len(), "only the allow decision is recorded")
		})
	}
}

func TestEngine_CancelledAfterAuthorizationStillCompletes(t *testing.T) {
	records := memory.NewLedgerRepository()
	l := ledger.New(records, zap.NewNop())
	require.NoError(t, l.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())

	authorizer := new(MockAuthorizer)
	authorizer.On("AuthorizeAction", mock.Anything, mock.Anything, models.ActionCalculateDuty).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil)

	engine := NewEngine(authorizer, l, nil, zap.NewNop())
	shipment, record, err := engine.Compute(ctx, operator("REQ-4"), scenarioInput())

	require.NoError(t, err)
	assert.NotNil(t, shipment)
	assert.Equal(t, int64(1), record.Sequence)
	authorizer.AssertExpectations(t)
}

func TestEngine_LedgerFailureSurfaces(t *testing.T) {
	authorizer := new(MockAuthorizer)
	authorizer.On("AuthorizeAction", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := NewEngine(authorizer, failingAppender{}, nil, zap.NewNop())
	shipment, _, err := engine.Compute(context.Background(), operator("REQ-5"), scenarioInput())

	assert.Nil(t, shipment)
	assert.True(t, services.IsLedgerWriteError(err))
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, *models.AuditCandidate) (*models.AuditRecord, error) {
	return nil, services.NewLedgerWriteError(errors.New("disk full"))
}

func TestCalculate(t *testing.T) {
	schedule := DefaultSchedule()

	tests := []struct {
		name      string
		in        models.ShipmentInput
		wantDuty  string
		wantGST   string
		wantRate  string
		deMinimis bool
	}{
		{
			name:     "AU batteries from CN, preferential zero rate",
			in:       scenarioInput(),
			wantDuty: "0.00",
			wantGST:  "1000.00",
			wantRate: "0",
		},
		{
			name: "AU batteries from US fall back to any-origin 4 digit line",
			in: models.ShipmentInput{HSCode: "850760", DeclaredValue: dec("2000"), Currency: "AUD",
				WeightKg: dec("10"), OriginCountry: "US", DestinationCountry: "AU"},
			wantDuty: "100.00",
			wantGST:  "210.00",
			wantRate: "0.05",
		},
		{
			name: "AU tobacco adds per-kilogram duty",
			in: models.ShipmentInput{HSCode: "240220", DeclaredValue: dec("1500"), Currency: "AUD",
				WeightKg: dec("0.5"), OriginCountry: "ID", DestinationCountry: "AU"},
			wantDuty: "913.54",
			wantGST:  "241.35",
			wantRate: "0",
		},
		{
			name: "AU at de minimis is free",
			in: models.ShipmentInput{HSCode: "610910", DeclaredValue: dec("1000"), Currency: "AUD",
				WeightKg: dec("1"), OriginCountry: "CN", DestinationCountry: "AU"},
			wantDuty:  "0.00",
			wantGST:   "0.00",
			wantRate:  "0.05",
			deMinimis: true,
		},
		{
			name: "GB origin-specific line beats any-origin default",
			in: models.ShipmentInput{HSCode: "610910", DeclaredValue: dec("500"), Currency: "GBP",
				WeightKg: dec("2"), OriginCountry: "CN", DestinationCountry: "GB"},
			wantDuty: "60.00",
			wantGST:  "112.00",
			wantRate: "0.12",
		},
		{
			name: "GB unknown chapter uses destination default",
			in: models.ShipmentInput{HSCode: "9403", DeclaredValue: dec("333.33"), Currency: "GBP",
				WeightKg: dec("20"), OriginCountry: "VN", DestinationCountry: "GB"},
			wantDuty: "13.33",
			wantGST:  "69.33",
			wantRate: "0.04",
		},
		{
			name: "half-up rounding",
			in: models.ShipmentInput{HSCode: "9403", DeclaredValue: dec("200.125"), Currency: "GBP",
				WeightKg: dec("0"), OriginCountry: "VN", DestinationCountry: "GB"},
			wantDuty: "8.01",
			wantGST:  "41.63",
			wantRate: "0.04",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, ok := schedule.Destination(tt.in.DestinationCountry)
			require.True(t, ok)

			calc := Calculate(tt.in, dest, schedule.Version)
			assert.Equal(t, tt.wantDuty, calc.CustomsDuty.StringFixed(2))
			assert.Equal(t, tt.wantGST, calc.GST.StringFixed(2))
			assert.True(t, dec(tt.wantRate).Equal(calc.DutyRate), "rate %s", calc.DutyRate)
			assert.Equal(t, tt.deMinimis, calc.DeMinimisApplied)
			assert.Equal(t, schedule.Version, calc.ScheduleVersion)
		})
	}
}
