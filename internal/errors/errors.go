// Package errors defines the structured error responses shared by the CLI
// and the local HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"crowecli/internal/license"
)

// APIError represents a structured API error response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError carries field-level validation detail.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details.
func NewWithDetails(statusCode int, errorCode, message string, details any) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidRequest    = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed  = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")
	ErrInvalidKeyFormat  = New(http.StatusBadRequest, "INVALID_LICENSE_FORMAT", "invalid license key format")
	ErrInvalidLicenseKey = New(http.StatusUnauthorized, "INVALID_LICENSE_KEY", "invalid license key")
	ErrFeatureDenied     = New(http.StatusForbidden, "FEATURE_NOT_LICENSED", "Feature is not available on the current tier")
	ErrLimitExceeded     = New(http.StatusTooManyRequests, "LIMIT_EXCEEDED", "Usage limit reached for the current window")
	ErrNotFound          = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrInternalServer    = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
)

// ErrValidation creates a validation error with field details.
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// FromLicenseError maps entitlement engine sentinels onto API errors.
// Signature failures and unknown keys share one response so the HTTP surface
// leaks nothing about which check failed.
func FromLicenseError(err error) *APIError {
	switch {
	case errors.Is(err, license.ErrMalformedKey):
		return ErrInvalidKeyFormat
	case errors.Is(err, license.ErrInvalidKey),
		errors.Is(err, license.ErrOnlineOnly),
		errors.Is(err, license.ErrUnknownTier):
		return ErrInvalidLicenseKey
	case errors.Is(err, license.ErrNotActivated):
		return New(http.StatusPreconditionRequired, "NOT_ACTIVATED", "No license has been activated")
	default:
		return ErrInternalServer
	}
}

// FeatureDeniedError names the minimum tier unlocking a feature.
func FeatureDeniedError(feature, requiredTier string) *APIError {
	return NewWithDetails(http.StatusForbidden, "FEATURE_NOT_LICENSED",
		fmt.Sprintf("Feature %q requires the %s tier", feature, requiredTier),
		map[string]string{"feature": feature, "required_tier": requiredTier},
	)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse wraps an APIError in the standard envelope.
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{Success: false, Error: err}
}

// Render implements the render.Renderer interface.
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}
