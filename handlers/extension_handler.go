package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/governed-core/services"
)

// HandleNotImplemented answers extension routes whose behavior is not built
// yet. It runs only after the gate has authorized and recorded the action.
func HandleNotImplemented(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		HandleServiceError(w, services.NewNotImplementedError("extension not implemented"), logger)
	}
}
