// Package apperrors provides the orchestration core's error taxonomy:
// a structured AppError with a machine-readable code, used both for
// internal classification (session_runner_error, test result causes) and
// for HTTP status mapping at the external interface shim.
package apperrors

import (
	"fmt"
	"net/http"
)

// AppError is a classified application error carrying a machine-readable
// code plus human-readable context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	// StatusCode is the HTTP status the shim should return; zero for
	// errors that never cross the wire (e.g. internal plugin errors).
	StatusCode int `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the wire shape returned by the shim on failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Submission errors (§7).
const (
	ErrCodeQueueFull             = "QUEUE_FULL"
	ErrCodeDuplicatedPluginLabel = "DUPLICATED_PLUGIN_LABEL"
	ErrCodePluginClassNotFound   = "PLUGIN_CLASS_NOT_FOUND"
	ErrCodePluginCreationFailed  = "PLUGIN_CREATION_FAILED"
)

// Scheduling errors.
const (
	ErrCodeSessionAbortedWhenQueueing = "SESSION_ABORTED_WHEN_QUEUEING"
)

// Generic / transport-facing errors.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeUnsupported       = "UNSUPPORTED_OPERATION"
	ErrCodeDeviceBusy        = "DEVICE_BUSY"
	ErrCodeDraining          = "DRAINING"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// New builds an AppError with the status code inferred from its code.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusFor(code)}
}

// NewWithDetails builds an AppError carrying additional debugging context.
func NewWithDetails(code, message, details string) *AppError {
	return &AppError{Code: code, Message: message, Details: details, StatusCode: statusFor(code)}
}

// Wrap classifies an underlying error under the given code.
func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

func statusFor(code string) int {
	switch code {
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	case ErrCodeDuplicatedPluginLabel, ErrCodePluginClassNotFound, ErrCodePluginCreationFailed:
		return http.StatusBadRequest
	case ErrCodeUnsupported:
		return http.StatusNotImplemented
	case ErrCodeDeviceBusy, ErrCodeDraining:
		return http.StatusConflict
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToResponse converts an AppError into its wire representation.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Code: e.Code, Details: e.Details}
}

func QueueFull() *AppError {
	return New(ErrCodeQueueFull, "session queue is at capacity")
}

func DuplicatedPluginLabel(label string) *AppError {
	return New(ErrCodeDuplicatedPluginLabel, fmt.Sprintf("plugin label %q is already in use for this session", label))
}

func PluginClassNotFound(name string) *AppError {
	return New(ErrCodePluginClassNotFound, fmt.Sprintf("builtin plugin %q not found", name))
}

func PluginCreationFailed(name string, err error) *AppError {
	return Wrap(ErrCodePluginCreationFailed, fmt.Sprintf("failed to create plugin %q", name), err)
}

func SessionAbortedWhenQueueing() *AppError {
	return New(ErrCodeSessionAbortedWhenQueueing, "session was aborted while waiting for a started-running slot")
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Unsupported(operation string) *AppError {
	return New(ErrCodeUnsupported, fmt.Sprintf("%s is not supported", operation))
}

func DeviceBusy(controlID string) *AppError {
	return New(ErrCodeDeviceBusy, fmt.Sprintf("device %s is already reserved", controlID))
}

func Internal(message string, err error) *AppError {
	return Wrap(ErrCodeInternal, message, err)
}
