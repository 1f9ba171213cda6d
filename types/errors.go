package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the domain error carried across packages and mapped to HTTP by the gateway.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code, so errors.Is(err, ErrExpired) works
// against wrapped instances carrying different messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeExpired          = "EXPIRED"
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeRiskBlocked      = "RISK_BLOCKED"
	ErrCodeSettlementFailed = "SETTLEMENT_FAILED"
	ErrCodeInProgress       = "IN_PROGRESS"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeConfig           = "CONFIG_ERROR"
	ErrCodeInternal         = "INTERNAL"
)

// Sentinel values for errors.Is.
var (
	ErrValidation       = &Error{Code: ErrCodeValidation, Message: "invalid request"}
	ErrNotFound         = &Error{Code: ErrCodeNotFound, Message: "not found"}
	ErrInvalidState     = &Error{Code: ErrCodeInvalidState, Message: "operation not permitted in current state"}
	ErrExpired          = &Error{Code: ErrCodeExpired, Message: "intent expired"}
	ErrInvalidSignature = &Error{Code: ErrCodeInvalidSignature, Message: "invalid signature"}
	ErrRiskBlocked      = &Error{Code: ErrCodeRiskBlocked, Message: "payment blocked by risk evaluation"}
	ErrSettlementFailed = &Error{Code: ErrCodeSettlementFailed, Message: "settlement failed"}
	ErrInProgress       = &Error{Code: ErrCodeInProgress, Message: "settlement in progress"}
	ErrConflict         = &Error{Code: ErrCodeConflict, Message: "concurrent modification"}
)

// NewError builds an *Error with a formatted message.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error that keeps cause for errors.Unwrap.
func WrapError(code string, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf returns the error code of err, or ErrCodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeExpired:
		return http.StatusGone
	case ErrCodeInvalidSignature:
		return http.StatusUnprocessableEntity
	case ErrCodeRiskBlocked:
		return http.StatusForbidden
	case ErrCodeSettlementFailed:
		return http.StatusBadGateway
	case ErrCodeInProgress:
		return http.StatusAccepted
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
