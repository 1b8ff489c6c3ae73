package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/governed-core/internal/auth"
	"github.com/upb/governed-core/middleware"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories/memory"
	"github.com/upb/governed-core/services/authz"
	"github.com/upb/governed-core/services/duty"
	"github.com/upb/governed-core/services/evidence"
	"github.com/upb/governed-core/services/ledger"
)

// governedStack is a real gate, ledger, engine and exporter over memory stores
type governedStack struct {
	gate     *authz.Gate
	ledger   *ledger.Ledger
	records  *memory.LedgerRepository
	engine   *duty.Engine
	exporter *evidence.Exporter
}

func newGovernedStack(t *testing.T) *governedStack {
	t.Helper()
	records := memory.NewLedgerRepository()
	l := ledger.New(records, zap.NewNop())
	require.NoError(t, l.Open(context.Background()))

	rules := memory.NewRuleRepository(&models.RuleTable{
		Version: "handlers-test",
		Actions: models.DefaultActionCatalog(),
		Rules: []models.Rule{
			{Role: "OPERATOR", Action: models.ActionCalculateDuty, Effect: models.EffectAllow},
			{Role: "AUDITOR", Action: models.ActionExportEvidence, Effect: models.EffectAllow},
		},
	})
	gate := authz.NewGate(rules, l, nil, zap.NewNop())
	engine := duty.NewEngine(gate, l, duty.DefaultSchedule(), zap.NewNop())

	sink, err := evidence.NewFileSink(t.TempDir())
	require.NoError(t, err)
	exporter := evidence.NewExporter(gate, l, sink, memory.NewManifestRepository(), zap.NewNop())

	return &governedStack{gate: gate, ledger: l, records: records, engine: engine, exporter: exporter}
}

// asActor returns r carrying the request id and claims RequireAuth would set
func asActor(r *http.Request, requestID, actorID, role string) *http.Request {
	ctx := middleware.WithRequestID(r.Context(), requestID)
	ctx = middleware.WithClaims(ctx, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:   role,
		Source: "test",
	})
	return r.WithContext(ctx)
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// decodeEnvelope decodes a SuccessResponse into out
func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}
