package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/governed-core/middleware"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/utils"
)

// EvidenceExporter exports ledger segments as evidence bundles
type EvidenceExporter interface {
	ExportLedgerSegment(ctx context.Context, rc models.RequestContext, runID, commitSHA string, from, to int64) (*models.EvidenceManifest, *models.AuditRecord, error)
	Manifest(ctx context.Context, runID string) (*models.EvidenceManifest, error)
	Reverify(ctx context.Context, runID string) (*models.EvidenceManifest, error)
}

// ExportRequest represents a request to export a ledger segment
type ExportRequest struct {
	RunID     string `json:"runId" validate:"required,max=128"`
	CommitSHA string `json:"commitSha" validate:"required,max=64"`
	From      int64  `json:"from" validate:"gte=1"`
	To        int64  `json:"to" validate:"gtefield=From"`
}

// ExportResponse pairs the manifest with the record sealing the export
type ExportResponse struct {
	Manifest    *models.EvidenceManifest `json:"manifest"`
	AuditRecord *models.AuditRecord      `json:"auditRecord"`
}

// EvidenceHandler handles evidence export and manifest lookups
type EvidenceHandler struct {
	exporter EvidenceExporter
	logger   *zap.Logger
}

// NewEvidenceHandler creates a new EvidenceHandler
func NewEvidenceHandler(exporter EvidenceExporter, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{
		exporter: exporter,
		logger:   logger,
	}
}

// HandleExport handles POST /api/v1/evidence/exports
func (h *EvidenceHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc, ok := middleware.GetRequestContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ExportRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	manifest, record, err := h.exporter.ExportLedgerSegment(ctx, rc, req.RunID, req.CommitSHA, req.From, req.To)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteCreated(w, ExportResponse{Manifest: manifest, AuditRecord: record}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleGetManifest handles GET /api/v1/evidence/manifests/{runId}. With
// ?verify=true the stored files are re-hashed against the manifest first.
func (h *EvidenceHandler) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	verify := false
	if raw := r.URL.Query().Get("verify"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}
		verify = v
	}

	var (
		manifest *models.EvidenceManifest
		err      error
	)
	if verify {
		manifest, err = h.exporter.Reverify(r.Context(), runID)
	} else {
		manifest, err = h.exporter.Manifest(r.Context(), runID)
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, manifest); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
