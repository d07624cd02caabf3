// Package apperrors provides the typed error used across the session core.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the semantic kind of an AppError.
type Code string

const (
	CodeAlreadyPrepared       Code = "ALREADY_PREPARED"
	CodeNotPrepared           Code = "NOT_PREPARED"
	CodeAlreadyInitiated      Code = "ALREADY_INITIATED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeBadRequest            Code = "BAD_REQUEST"
	CodeInvalidMetadata       Code = "INVALID_METADATA"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeAlreadyActive         Code = "ALREADY_ACTIVE"
	CodeAlreadyExists         Code = "ALREADY_EXISTS"
	CodeLeaseHeld             Code = "LEASE_HELD"
	CodeSetupCommandFailed    Code = "SETUP_COMMAND_FAILED"
	CodeWorkspaceMissing      Code = "WORKSPACE_MISSING"
	CodeQueueFull             Code = "QUEUE_FULL"
	CodeQueueExpired          Code = "QUEUE_EXPIRED"
	CodeSandboxRetryable      Code = "SANDBOX_RETRYABLE"
	CodeSandboxOverloaded     Code = "SANDBOX_OVERLOADED"
	CodeSandboxFatal          Code = "SANDBOX_FATAL"
	CodeBackendLinkFailed     Code = "BACKEND_LINK_FAILED"
	CodeCallbackDeliveryFailed Code = "CALLBACK_DELIVERY_FAILED"
	CodeStorageCorrupt        Code = "STORAGE_CORRUPT"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// httpStatusForCode maps each semantic kind to the HTTP status a caller-facing
// surface should use, for kinds that are ever surfaced synchronously.
var httpStatusForCode = map[Code]int{
	CodeAlreadyPrepared:        http.StatusConflict,
	CodeNotPrepared:            http.StatusConflict,
	CodeAlreadyInitiated:       http.StatusConflict,
	CodeNotFound:               http.StatusNotFound,
	CodeBadRequest:             http.StatusBadRequest,
	CodeInvalidMetadata:        http.StatusBadRequest,
	CodeInvalidTransition:      http.StatusConflict,
	CodeAlreadyActive:          http.StatusConflict,
	CodeAlreadyExists:          http.StatusConflict,
	CodeLeaseHeld:              http.StatusConflict,
	CodeSetupCommandFailed:     http.StatusUnprocessableEntity,
	CodeWorkspaceMissing:       http.StatusUnprocessableEntity,
	CodeQueueFull:              http.StatusTooManyRequests,
	CodeQueueExpired:           http.StatusGone,
	CodeSandboxRetryable:       http.StatusServiceUnavailable,
	CodeSandboxOverloaded:      http.StatusServiceUnavailable,
	CodeSandboxFatal:           http.StatusBadGateway,
	CodeBackendLinkFailed:      http.StatusBadGateway,
	CodeCallbackDeliveryFailed: http.StatusBadGateway,
	CodeStorageCorrupt:         http.StatusInternalServerError,
	CodeInternal:               http.StatusInternalServerError,
}

// AppError is the typed error carried across every component boundary in the
// session core. Precondition failures on the Authority are returned as
// *AppError values, never as panics.
type AppError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError of the given kind with a message and no wrapped error.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatusForCode[code]}
}

// Wrapf creates an AppError of the given kind wrapping an underlying error.
func Wrapf(code Code, err error, format string, args ...any) *AppError {
	return &AppError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: httpStatusForCode[code],
		Err:        err,
	}
}

// AlreadyPrepared reports a prepare() call on a session that was already prepared.
func AlreadyPrepared(sessionID string) *AppError {
	return New(CodeAlreadyPrepared, fmt.Sprintf("session %s is already prepared", sessionID))
}

// NotPrepared reports an operation that requires prepare() to have run first.
func NotPrepared(sessionID string) *AppError {
	return New(CodeNotPrepared, fmt.Sprintf("session %s has not been prepared", sessionID))
}

// AlreadyInitiated reports a startExecution(initiate) on a session that already initiated.
func AlreadyInitiated(sessionID string) *AppError {
	return New(CodeAlreadyInitiated, fmt.Sprintf("session %s has already been initiated", sessionID))
}

// NotFound reports a missing resource of the given kind and id.
func NotFound(resource, id string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id))
}

// BadRequest reports a caller-supplied precondition violation.
func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message)
}

// InvalidMetadata reports a metadata patch rejected at the validation boundary.
func InvalidMetadata(path, reason string) *AppError {
	return New(CodeInvalidMetadata, fmt.Sprintf("invalid metadata at '%s': %s", path, reason))
}

// InvalidTransition reports a status transition that violates the execution
// state machine (e.g. completed -> running).
func InvalidTransition(from, to string) *AppError {
	return New(CodeInvalidTransition, fmt.Sprintf("cannot transition from %s to %s", from, to))
}

// AlreadyActive reports an attempt to start execution while one is already active.
func AlreadyActive(sessionID string) *AppError {
	return New(CodeAlreadyActive, fmt.Sprintf("session %s already has an active execution", sessionID))
}

// AlreadyExists reports a duplicate create (e.g. a session id collision).
func AlreadyExists(resource, id string) *AppError {
	return New(CodeAlreadyExists, fmt.Sprintf("%s with id '%s' already exists", resource, id))
}

// LeaseHeld reports a lease acquisition that lost to a concurrent holder.
func LeaseHeld(key string) *AppError {
	return New(CodeLeaseHeld, fmt.Sprintf("lease '%s' is held by another owner", key))
}

// SetupCommandFailed reports a fatal (fail-fast) setup command failure.
func SetupCommandFailed(cmd string, err error) *AppError {
	return Wrapf(CodeSetupCommandFailed, err, "setup command failed: %s", cmd)
}

// WorkspaceMissing reports a resume whose workspace can't be recovered.
func WorkspaceMissing(sessionID string) *AppError {
	return New(CodeWorkspaceMissing, fmt.Sprintf("workspace for session %s is missing", sessionID))
}

// QueueFull reports enqueueExecution rejected because the per-session bound is reached.
func QueueFull(sessionID string, bound int) *AppError {
	return New(CodeQueueFull, fmt.Sprintf("session %s command queue is full (max %d)", sessionID, bound))
}

// QueueExpired reports a queued execution dispatched after its expiry window.
func QueueExpired(executionID string) *AppError {
	return New(CodeQueueExpired, fmt.Sprintf("queued execution %s expired before dispatch", executionID))
}

// SandboxRetryable reports a transient sandbox failure the retry wrapper should retry.
func SandboxRetryable(err error) *AppError {
	return Wrapf(CodeSandboxRetryable, err, "sandbox operation failed, retryable")
}

// SandboxOverloaded reports a sandbox rejecting work due to capacity.
func SandboxOverloaded(err error) *AppError {
	return Wrapf(CodeSandboxOverloaded, err, "sandbox runtime overloaded")
}

// SandboxFatal reports a non-retryable sandbox failure.
func SandboxFatal(err error) *AppError {
	return Wrapf(CodeSandboxFatal, err, "sandbox operation failed fatally")
}

// BackendLinkFailed reports a failed call to the external backend link. Never
// fails the originating operation; log and continue.
func BackendLinkFailed(err error) *AppError {
	return Wrapf(CodeBackendLinkFailed, err, "backend link call failed")
}

// CallbackDeliveryFailed reports an individual callback delivery failure
// after its retry budget was exhausted.
func CallbackDeliveryFailed(url string, err error) *AppError {
	return Wrapf(CodeCallbackDeliveryFailed, err, "callback delivery to %s failed permanently", url)
}

// StorageCorrupt reports a storage-layer invariant violation (a database
// schema version newer than this build knows) that the caller cannot repair.
func StorageCorrupt(detail string, err error) *AppError {
	return Wrapf(CodeStorageCorrupt, err, "storage corrupt: %s", detail)
}

// Internal wraps an unexpected error as an internal failure.
func Internal(message string, err error) *AppError {
	return Wrapf(CodeInternal, err, "%s", message)
}

// Is reports whether err is an AppError of the given code.
func Is(err error, code Code) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the HTTP status for an error, defaulting to 500 if err
// is not an *AppError.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
