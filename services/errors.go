package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeUnauthorized        ErrorType = "unauthorized"
	ErrorTypeAuthorizationDenied ErrorType = "authorization_denied"
	ErrorTypeLedgerIntegrity     ErrorType = "ledger_integrity"
	ErrorTypeLedgerWrite         ErrorType = "ledger_write"
	ErrorTypeNotImplemented      ErrorType = "not_implemented"
	ErrorTypeInternal            ErrorType = "internal"
)

// Stable, user-visible error codes
const (
	CodeAuthDenied      = "AUTH_DENIED"
	CodeValidation      = "VALIDATION_FAILED"
	CodeLedgerIntegrity = "LEDGER_INTEGRITY"
	CodeLedgerWrite     = "LEDGER_WRITE_FAILED"
	CodeNotImplemented  = "NOT_IMPLEMENTED"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternal        = "INTERNAL"
)

// DetailSequence is the detail key carrying the first offending ledger sequence
const DetailSequence = "sequence"

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Code:    defaultCode(errType),
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func defaultCode(t ErrorType) string {
	switch t {
	case ErrorTypeAuthorizationDenied:
		return CodeAuthDenied
	case ErrorTypeValidation:
		return CodeValidation
	case ErrorTypeLedgerIntegrity:
		return CodeLedgerIntegrity
	case ErrorTypeLedgerWrite:
		return CodeLedgerWrite
	case ErrorTypeNotImplemented:
		return CodeNotImplemented
	case ErrorTypeNotFound:
		return CodeNotFound
	case ErrorTypeUnauthorized:
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}

// Domain error variables. Use them as errors.Is targets; build new errors
// with the constructors below instead of mutating these.

var (
	ErrManifestNotFound = NewDomainError(ErrorTypeNotFound, "evidence manifest not found", nil)
	ErrRecordNotFound   = NewDomainError(ErrorTypeNotFound, "audit record not found", nil)

	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidRange = NewDomainError(ErrorTypeValidation, "invalid sequence range", nil)

	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)

	ErrAuthorizationDenied = NewDomainError(ErrorTypeAuthorizationDenied, "action not permitted", nil)

	ErrLedgerIntegrity = NewDomainError(ErrorTypeLedgerIntegrity, "ledger integrity check failed", nil)
	ErrLedgerWrite     = NewDomainError(ErrorTypeLedgerWrite, "ledger append failed", nil)

	ErrNotImplemented = NewDomainError(ErrorTypeNotImplemented, "extension not implemented", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// NewAuthorizationError creates an AUTH_DENIED error with a user-visible message
func NewAuthorizationError(message string) *DomainError {
	return NewDomainError(ErrorTypeAuthorizationDenied, message, nil)
}

// NewValidationError creates a validation error
func NewValidationError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, err)
}

// NewLedgerIntegrityError creates an integrity error pointing at the first bad sequence
func NewLedgerIntegrityError(sequence int64, message string) *DomainError {
	return NewDomainError(ErrorTypeLedgerIntegrity, message, nil).WithDetail(DetailSequence, sequence)
}

// NewLedgerWriteError wraps a durability failure on append
func NewLedgerWriteError(err error) *DomainError {
	return NewDomainError(ErrorTypeLedgerWrite, "ledger append failed", err)
}

// NewNotImplementedError reports an extension with no implementation behind its call site
func NewNotImplementedError(message string) *DomainError {
	return NewDomainError(ErrorTypeNotImplemented, message, nil)
}

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthenticated error
func IsUnauthorizedError(err error) bool {
	return isType(err, ErrorTypeUnauthorized)
}

// IsAuthorizationError checks if an error is an AUTH_DENIED error
func IsAuthorizationError(err error) bool {
	return isType(err, ErrorTypeAuthorizationDenied)
}

// IsLedgerIntegrityError checks if an error is a ledger integrity error
func IsLedgerIntegrityError(err error) bool {
	return isType(err, ErrorTypeLedgerIntegrity)
}

// IsLedgerWriteError checks if an error is a ledger durability error
func IsLedgerWriteError(err error) bool {
	return isType(err, ErrorTypeLedgerWrite)
}

// IsNotImplementedError checks if an error is a not implemented error
func IsNotImplementedError(err error) bool {
	return isType(err, ErrorTypeNotImplemented)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the stable code of a domain error, or CodeInternal
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code
	}
	return CodeInternal
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// MismatchSequence returns the first offending sequence carried by a ledger
// integrity error.
func MismatchSequence(err error) (int64, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Type != ErrorTypeLedgerIntegrity {
		return 0, false
	}
	seq, ok := domainErr.Details[DetailSequence].(int64)
	return seq, ok
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
