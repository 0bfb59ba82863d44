package models

import "errors"

// Error codes shared by the stores and the HTTP API.
const (
	CodeInvalidKey         = "INVALID_KEY"
	CodeTypeConflict       = "TYPE_CONFLICT"
	CodeTypeMismatch       = "TYPE_MISMATCH"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidEncoding    = "INVALID_ENCODING"
	CodeValidationFailure  = "VALIDATION_FAILURE"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeClosed             = "CLOSED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL"
	CodeRateLimited        = "RATE_LIMITED"
)

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`
}

func (e *AppError) Error() string { return e.Message }

// Is matches any AppError with the same code, so errors.Is works against
// the constructors' output regardless of message.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HasCode reports whether err wraps an AppError with the given code.
func HasCode(err error, code string) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == code
}

// Error constructors.
var (
	ErrInvalidKey = func(msg string) *AppError {
		return &AppError{Code: CodeInvalidKey, Message: msg, Field: "key", Status: 400}
	}
	ErrTypeConflict = func(msg string) *AppError {
		return &AppError{Code: CodeTypeConflict, Message: msg, Status: 409}
	}
	ErrTypeMismatch = func(msg string) *AppError {
		return &AppError{Code: CodeTypeMismatch, Message: msg, Status: 409}
	}
	ErrNotFound = func(msg string) *AppError {
		return &AppError{Code: CodeNotFound, Message: msg, Status: 404}
	}
	ErrInvalidEncoding = func(msg string) *AppError {
		return &AppError{Code: CodeInvalidEncoding, Message: msg, Field: "value", Status: 400}
	}
	ErrValidation = func(field, msg string) *AppError {
		return &AppError{Code: CodeValidationFailure, Message: msg, Field: field, Status: 422}
	}
	ErrPersistence = func(msg string) *AppError {
		return &AppError{Code: CodePersistenceFailure, Message: msg, Status: 500}
	}
	ErrClosed = &AppError{Code: CodeClosed, Message: "store is closed", Status: 503}

	ErrBadRequest = func(msg string) *AppError {
		return &AppError{Code: CodeBadRequest, Message: msg, Status: 400}
	}
	ErrUnauthorized = &AppError{Code: CodeUnauthorized, Message: "authentication required", Status: 401}
	ErrInternal     = func(msg string) *AppError {
		return &AppError{Code: CodeInternal, Message: msg, Status: 500}
	}
	ErrRateLimited = &AppError{Code: CodeRateLimited, Message: "too many requests", Status: 429}
)
