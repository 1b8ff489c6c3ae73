package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/upb/governed-core/utils"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	LedgerHead *LedgerHead       `json:"ledgerHead,omitempty"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// LedgerHead reports the sealed tail of the ledger
type LedgerHead struct {
	Sequence   int64  `json:"sequence"`
	RecordHash string `json:"recordHash"`
}

// HeadReader reports the ledger head
type HeadReader interface {
	Head() (int64, string)
}

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	ledger HeadReader
	checks map[string]CheckFunc
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(ledger HeadReader, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		ledger: ledger,
		checks: make(map[string]CheckFunc),
		logger: logger,
	}
}

// WithCheck registers a named readiness probe
func (h *HealthHandler) WithCheck(name string, check CheckFunc) *HealthHandler {
	h.checks[name] = check
	return h
}

// HandleHealth handles GET /health
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /health/ready
// Readiness check - reports the ledger head and probes every registered check
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("readiness check failed",
				zap.String("check", name),
				zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if h.ledger != nil {
		seq, hash := h.ledger.Head()
		response.LedgerHead = &LedgerHead{Sequence: seq, RecordHash: hash}
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
