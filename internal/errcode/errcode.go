// Package errcode defines the stable, machine-readable error codes the
// API surfaces and the typed error that carries them through the stack.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error identifier. Codes are part of the API contract
// and never renamed.
type Code string

// Validation errors.
const (
	InvalidInput                Code = "INVALID_INPUT"
	AcceptanceCriteriaRequired  Code = "ACCEPTANCE_CRITERIA_REQUIRED"
	InvalidEnv                  Code = "INVALID_ENV"
	InvalidPath                 Code = "INVALID_PATH"
)

// Policy errors.
const (
	LawbookNotConfigured Code = "LAWBOOK_NOT_CONFIGURED"
	RepoNotAllowed       Code = "REPO_NOT_ALLOWED"
	PolicyConfigError    Code = "POLICY_CONFIG_ERROR"
	LawbookDenied        Code = "LAWBOOK_DENIED"
	TargetNotAllowed     Code = "TARGET_NOT_ALLOWED"
	ApprovalRequired     Code = "APPROVAL_REQUIRED"
	CooldownActive       Code = "COOLDOWN_ACTIVE"
	RateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
)

// State machine errors.
const (
	SingleActiveViolation        Code = "SINGLE_ACTIVE_VIOLATION"
	InvalidTransition            Code = "INVALID_TRANSITION"
	TransitionPreconditionFailed Code = "TRANSITION_PRECONDITION_FAILED"
)

// Storage errors.
const (
	NotFound    Code = "NOT_FOUND"
	Conflict    Code = "CONFLICT"
	Unavailable Code = "UNAVAILABLE"
)

// Sync errors.
const (
	SyncConflict          Code = "SYNC_CONFLICT"
	EvidenceMissing       Code = "EVIDENCE_MISSING"
	ManualOverrideBlocked Code = "MANUAL_OVERRIDE_BLOCKED"
)

// Ingestion errors.
const (
	IngestionFailed      Code = "INGESTION_FAILED"
	RunNotFound          Code = "RUN_NOT_FOUND"
	DeployNotFound       Code = "DEPLOY_NOT_FOUND"
	VerdictNotFound      Code = "VERDICT_NOT_FOUND"
	VerificationNotFound Code = "VERIFICATION_NOT_FOUND"
)

// Infrastructure errors.
const (
	SignatureInvalid Code = "SIGNATURE_INVALID"
	Timeout          Code = "TIMEOUT"
	Internal         Code = "INTERNAL"
)

// Error is the typed error carried through the stack.
type Error struct {
	Code    Code                   `json:"errorCode"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured detail fields and returns the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and context message.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from any error. Untyped errors report INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// httpStatus maps codes onto HTTP statuses. Unlisted codes are 500.
var httpStatus = map[Code]int{
	InvalidInput:               http.StatusBadRequest,
	AcceptanceCriteriaRequired: http.StatusBadRequest,
	InvalidEnv:                 http.StatusBadRequest,
	InvalidPath:                http.StatusBadRequest,

	LawbookNotConfigured: http.StatusConflict,
	RepoNotAllowed:       http.StatusForbidden,
	PolicyConfigError:    http.StatusInternalServerError,
	LawbookDenied:        http.StatusForbidden,
	TargetNotAllowed:     http.StatusForbidden,
	ApprovalRequired:     http.StatusForbidden,
	CooldownActive:       http.StatusTooManyRequests,
	RateLimitExceeded:    http.StatusTooManyRequests,

	SingleActiveViolation:        http.StatusConflict,
	InvalidTransition:            http.StatusConflict,
	TransitionPreconditionFailed: http.StatusConflict,

	NotFound:    http.StatusNotFound,
	Conflict:    http.StatusConflict,
	Unavailable: http.StatusServiceUnavailable,

	SyncConflict:          http.StatusConflict,
	EvidenceMissing:       http.StatusConflict,
	ManualOverrideBlocked: http.StatusConflict,

	IngestionFailed:      http.StatusInternalServerError,
	RunNotFound:          http.StatusNotFound,
	DeployNotFound:       http.StatusNotFound,
	VerdictNotFound:      http.StatusNotFound,
	VerificationNotFound: http.StatusNotFound,

	SignatureInvalid: http.StatusUnauthorized,
	Timeout:          http.StatusGatewayTimeout,
	Internal:         http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for a code.
func HTTPStatus(code Code) int {
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
