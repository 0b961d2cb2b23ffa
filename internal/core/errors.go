package core

import (
	"fmt"
	"net/http"
)

// ErrorCode is the canonical error vocabulary used in responses and logs.
type ErrorCode string

const (
	ErrResourceRequired         ErrorCode = "ERR_RESOURCE_REQUIRED"
	ErrUnknownResource          ErrorCode = "ERR_UNKNOWN_RESOURCE"
	ErrResourceNotConfigured    ErrorCode = "ERR_RESOURCE_NOT_CONFIGURED"
	ErrUnsupportedAction        ErrorCode = "ERR_UNSUPPORTED_ACTION"
	ErrMissingAuth              ErrorCode = "ERR_MISSING_AUTH"
	ErrInvalidSignature         ErrorCode = "ERR_INVALID_SIGNATURE"
	ErrExpiredTimestamp         ErrorCode = "ERR_EXPIRED_TIMESTAMP"
	ErrInvalidNonce             ErrorCode = "ERR_INVALID_NONCE"
	ErrUnsupportedPopVersion    ErrorCode = "ERR_UNSUPPORTED_POP_VERSION"
	ErrAppNotFound              ErrorCode = "ERR_APP_NOT_FOUND"
	ErrAppDisabled              ErrorCode = "ERR_APP_DISABLED"
	ErrPermissionDenied         ErrorCode = "ERR_PERMISSION_DENIED"
	ErrPermissionExpired        ErrorCode = "ERR_PERMISSION_EXPIRED"
	ErrConstraintViolation      ErrorCode = "ERR_CONSTRAINT_VIOLATION"
	ErrPolicyViolation          ErrorCode = "ERR_POLICY_VIOLATION"
	ErrModelNotAllowed          ErrorCode = "ERR_MODEL_NOT_ALLOWED"
	ErrMaxTokensExceeded        ErrorCode = "ERR_MAX_TOKENS_EXCEEDED"
	ErrToolsNotAllowed          ErrorCode = "ERR_TOOLS_NOT_ALLOWED"
	ErrStreamingNotAllowed      ErrorCode = "ERR_STREAMING_NOT_ALLOWED"
	ErrRateLimitExceeded        ErrorCode = "ERR_RATE_LIMIT_EXCEEDED"
	ErrBudgetExceeded           ErrorCode = "ERR_BUDGET_EXCEEDED"
	ErrInvalidRequest           ErrorCode = "ERR_INVALID_REQUEST"
	ErrInvalidJSON              ErrorCode = "ERR_INVALID_JSON"
	ErrContractValidationFailed ErrorCode = "ERR_CONTRACT_VALIDATION_FAILED"
	ErrInternal                 ErrorCode = "ERR_INTERNAL"
	ErrUpstreamError            ErrorCode = "ERR_UPSTREAM_ERROR"
	ErrInvalidPairingString     ErrorCode = "ERR_INVALID_PAIRING_STRING"
	ErrInvalidConnectCode       ErrorCode = "ERR_INVALID_CONNECT_CODE"
	ErrSessionExpired           ErrorCode = "ERR_SESSION_EXPIRED"
)

// GatewayError is a categorized failure. Stages return these instead of
// using errors as control flow; the pipeline maps them to an HTTP status
// and a RequestLog decision.
type GatewayError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Status    int                    `json:"-"`
	Retryable bool                   `json:"retryable,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a GatewayError with the default status for its code.
func NewError(code ErrorCode, msg string) *GatewayError {
	return &GatewayError{Code: code, Message: msg, Status: StatusFor(code)}
}

// NewErrorf is NewError with formatting.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *GatewayError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *GatewayError) WithDetail(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// StatusFor returns the HTTP status conventionally paired with a code.
func StatusFor(code ErrorCode) int {
	switch code {
	case ErrMissingAuth, ErrInvalidSignature, ErrExpiredTimestamp,
		ErrInvalidNonce, ErrUnsupportedPopVersion, ErrAppNotFound:
		return http.StatusUnauthorized
	case ErrAppDisabled, ErrPermissionDenied, ErrPermissionExpired,
		ErrPolicyViolation, ErrModelNotAllowed, ErrMaxTokensExceeded,
		ErrToolsNotAllowed, ErrStreamingNotAllowed:
		return http.StatusForbidden
	case ErrRateLimitExceeded, ErrBudgetExceeded:
		return http.StatusTooManyRequests
	case ErrResourceRequired, ErrUnsupportedAction, ErrConstraintViolation,
		ErrInvalidRequest, ErrInvalidJSON, ErrContractValidationFailed,
		ErrInvalidPairingString, ErrInvalidConnectCode:
		return http.StatusBadRequest
	case ErrUnknownResource:
		return http.StatusNotFound
	case ErrSessionExpired:
		return http.StatusGone
	case ErrResourceNotConfigured:
		return http.StatusBadGateway
	case ErrUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecisionFor maps an error code to the RequestLog decision category.
func DecisionFor(code ErrorCode) Decision {
	switch code {
	case ErrMissingAuth, ErrInvalidSignature, ErrExpiredTimestamp,
		ErrInvalidNonce, ErrUnsupportedPopVersion, ErrAppNotFound:
		return DecisionDeniedAuth
	case ErrAppDisabled, ErrPermissionDenied, ErrPermissionExpired:
		return DecisionDeniedPermission
	case ErrPolicyViolation, ErrModelNotAllowed, ErrMaxTokensExceeded,
		ErrToolsNotAllowed, ErrStreamingNotAllowed, ErrConstraintViolation,
		ErrInvalidRequest, ErrInvalidJSON, ErrContractValidationFailed:
		return DecisionDeniedConstraint
	case ErrRateLimitExceeded:
		return DecisionDeniedRateLimit
	case ErrBudgetExceeded:
		return DecisionDeniedBudget
	default:
		return DecisionError
	}
}
