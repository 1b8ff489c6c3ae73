package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/governed-core/middleware"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/utils"
)

// DutyCalculator computes audited DDP duty calculations
type DutyCalculator interface {
	Compute(ctx context.Context, rc models.RequestContext, in models.ShipmentInput) (*models.Shipment, *models.AuditRecord, error)
}

// CalculationResponse pairs a shipment with the record sealing it
type CalculationResponse struct {
	Shipment    *models.Shipment    `json:"shipment"`
	AuditRecord *models.AuditRecord `json:"auditRecord"`
}

// DutyHandler handles duty calculation requests
type DutyHandler struct {
	engine DutyCalculator
	logger *zap.Logger
}

// NewDutyHandler creates a new DutyHandler
func NewDutyHandler(engine DutyCalculator, logger *zap.Logger) *DutyHandler {
	return &DutyHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleCalculate handles POST /api/v1/duty/calculate. Input validation
// happens in the engine after authorization so every attempt is recorded.
func (h *DutyHandler) HandleCalculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc, ok := middleware.GetRequestContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var in models.ShipmentInput
	if err := utils.DecodeJSON(r, &in); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	shipment, record, err := h.engine.Compute(ctx, rc, in)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteCreated(w, CalculationResponse{Shipment: shipment, AuditRecord: record}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
