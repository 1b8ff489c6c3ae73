package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/governed-core/services"
	"github.com/upb/governed-core/utils"
)

// HandleServiceError maps domain errors to HTTP responses. Authorization
// denials carry only the reason code; rule contents never reach the client.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	code := services.GetErrorCode(err)
	message := userMessage(err)

	var writeErr error
	switch {
	case services.IsAuthorizationError(err):
		writeErr = utils.WriteForbidden(w, code, message, details)

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, code, message, details)

	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, message)

	case services.IsUnauthorizedError(err):
		writeErr = utils.WriteUnauthorized(w, message)

	case services.IsLedgerIntegrityError(err):
		logger.Error("ledger integrity failure surfaced to client",
			zap.Error(err),
			zap.Any("details", details))
		writeErr = utils.WriteConflict(w, code, message, details)

	case services.IsLedgerWriteError(err):
		logger.Error("ledger write failure", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, code, message)

	case services.IsNotImplementedError(err):
		writeErr = utils.WriteNotImplemented(w, message)

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// ErrorWriter binds HandleServiceError to a logger for use by middleware
func ErrorWriter(logger *zap.Logger) func(w http.ResponseWriter, err error) {
	return func(w http.ResponseWriter, err error) {
		HandleServiceError(w, err, logger)
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var details map[string]interface{}
	message := err.Error()
	if utils.IsValidationError(err) {
		details = make(map[string]interface{})
		for k, v := range utils.GetValidationFields(err) {
			details[k] = v
		}
		message = "Validation failed"
	}

	if err := utils.WriteBadRequest(w, services.CodeValidation, message, details); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// userMessage returns the domain message without the wrapped cause
func userMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}
