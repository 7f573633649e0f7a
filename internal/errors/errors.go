// Package errors provides standardized error handling for the EFB sync service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the EFB sync service.
type ErrorCode string

const (
	// Validation errors
	EFB_VALIDATION    ErrorCode = "EFB_VALIDATION"    // General validation error
	EFB_SCHEMA_REJECT ErrorCode = "EFB_SCHEMA_REJECT" // Request schema validation failed
	EFB_BAD_REQUEST   ErrorCode = "EFB_BAD_REQUEST"   // Bad request

	// Authentication/Authorization errors
	EFB_AUTHZ           ErrorCode = "EFB_AUTHZ"           // Authorization failed
	EFB_AUTHN           ErrorCode = "EFB_AUTHN"           // Authentication failed
	EFB_JWT_INVALID     ErrorCode = "EFB_JWT_INVALID"     // Invalid JWT
	EFB_JWT_EXPIRED     ErrorCode = "EFB_JWT_EXPIRED"     // Expired JWT
	EFB_JWT_MALFORMED   ErrorCode = "EFB_JWT_MALFORMED"   // Malformed JWT
	EFB_DEVICE_MISMATCH ErrorCode = "EFB_DEVICE_MISMATCH" // Token subject does not match device

	// Resource errors
	EFB_NOT_FOUND  ErrorCode = "EFB_NOT_FOUND"  // Unknown device/bundle/manual
	EFB_CONFLICT   ErrorCode = "EFB_CONFLICT"   // Idempotency key reused with a different body
	EFB_INTEGRITY  ErrorCode = "EFB_INTEGRITY"  // Chunk checksum mismatch on read
	EFB_CHUNK_SIZE ErrorCode = "EFB_CHUNK_SIZE" // Chunk payload exceeds the configured limit

	// Server errors
	EFB_INTERNAL             ErrorCode = "EFB_INTERNAL"             // Internal server error
	EFB_UPSTREAM_UNAVAILABLE ErrorCode = "EFB_UPSTREAM_UNAVAILABLE" // Catalog/policy store unreachable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case EFB_VALIDATION, EFB_SCHEMA_REJECT, EFB_BAD_REQUEST, EFB_CHUNK_SIZE:
		return http.StatusBadRequest
	case EFB_AUTHZ, EFB_DEVICE_MISMATCH:
		return http.StatusForbidden
	case EFB_AUTHN, EFB_JWT_INVALID, EFB_JWT_EXPIRED, EFB_JWT_MALFORMED:
		return http.StatusUnauthorized
	case EFB_NOT_FOUND:
		return http.StatusNotFound
	case EFB_CONFLICT:
		return http.StatusConflict
	case EFB_INTEGRITY:
		return http.StatusUnprocessableEntity
	case EFB_UPSTREAM_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
