package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/governed-core/middleware"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/utils"
)

// DecisionMaker produces recorded authorization decisions
type DecisionMaker interface {
	Authorize(ctx context.Context, rc models.RequestContext, action models.Action, resourceRef string) (*models.AuthorizationDecision, error)
}

// AuthorizeRequest represents a request to authorize an action
type AuthorizeRequest struct {
	Action      models.Action `json:"action" validate:"required,max=64"`
	ResourceRef string        `json:"resourceRef,omitempty" validate:"max=256"`
}

// AuthzHandler exposes the authorization gate over HTTP
type AuthzHandler struct {
	gate   DecisionMaker
	logger *zap.Logger
}

// NewAuthzHandler creates a new AuthzHandler
func NewAuthzHandler(gate DecisionMaker, logger *zap.Logger) *AuthzHandler {
	return &AuthzHandler{
		gate:   gate,
		logger: logger,
	}
}

// HandleAuthorize handles POST /api/v1/authorize
func (h *AuthzHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc, ok := middleware.GetRequestContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req AuthorizeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	decision, err := h.gate.Authorize(ctx, rc, req.Action, req.ResourceRef)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, decision); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
