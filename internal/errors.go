package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound        ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized    ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden       ErrorType = "FORBIDDEN"
	ErrorTypeConflict        ErrorType = "CONFLICT"
	ErrorTypePaymentRequired ErrorType = "PAYMENT_REQUIRED"
	ErrorTypeUnprocessable   ErrorType = "UNPROCESSABLE"
	ErrorTypeInternal        ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal        ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired     ErrorCode = "TOKEN_EXPIRED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"

	ErrCodeInvalidResourceID        ErrorCode = "INVALID_RESOURCE_ID"
	ErrCodeInvalidExternalReference ErrorCode = "INVALID_EXTERNAL_REFERENCE"
	ErrCodeOwnershipMismatch        ErrorCode = "OWNERSHIP_MISMATCH"
	ErrCodePurchaseNotFound         ErrorCode = "PURCHASE_NOT_FOUND"
	ErrCodePackageNotFound          ErrorCode = "PACKAGE_NOT_FOUND"
	ErrCodeGatewayError             ErrorCode = "GATEWAY_ERROR"
	ErrCodeLedgerError              ErrorCode = "LEDGER_ERROR"

	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrCodeNSFWContent         ErrorCode = "NSFW_CONTENT"
	ErrCodeVideoNotFound       ErrorCode = "VIDEO_NOT_FOUND"
	ErrCodeRetryNotAllowed     ErrorCode = "RETRY_NOT_ALLOWED"
	ErrCodeInvalidImage        ErrorCode = "INVALID_IMAGE"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
		messages := make([]string, len(validationErrors.Errors))
		for i, err := range validationErrors.Errors {
			messages[i] = err.Message
		}
		return strings.Join(messages, "; ")
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of e carrying cause, so shared sentinel errors stay untouched.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Is matches any AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldErrors(errs []ValidationError) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    ValidationErrors{Errors: errs},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewPaymentRequiredError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypePaymentRequired,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusPaymentRequired,
	}
}

func NewUnprocessableError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnprocessable,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func NewExternalError(message string, code ErrorCode, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

var (
	ErrInvalidToken = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
	ErrForbidden    = NewForbiddenError("Forbidden: insufficient permissions", ErrCodeForbidden)

	ErrInsufficientCredits = NewPaymentRequiredError("Insufficient credits", ErrCodeInsufficientCredits)
	ErrNSFWContent         = NewUnprocessableError("Image rejected by content moderation", ErrCodeNSFWContent)
	ErrVideoNotFound       = NewNotFoundError("Video not found", ErrCodeVideoNotFound)
	ErrRetryNotAllowed     = NewConflictError("Video is not eligible for retry", ErrCodeRetryNotAllowed)
	ErrPurchaseNotFound    = NewNotFoundError("Purchase not found", ErrCodePurchaseNotFound)
	ErrPackageNotFound     = NewNotFoundError("Credit package not found", ErrCodePackageNotFound)
	ErrInvalidImage        = NewValidationError("Image could not be decoded", ErrCodeInvalidImage)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
