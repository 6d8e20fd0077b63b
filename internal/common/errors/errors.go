// Package errors provides the gateway error taxonomy.
//
// Every error surfaced to a client carries one of the codes below; handlers
// translate an AppError into the wire-level error envelope. Errors that are
// not AppErrors are reported as INTERNAL_ERROR.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidArgs       = "INVALID_ARGS"
	ErrCodeInvalidPath       = "INVALID_PATH"
	ErrCodeForbiddenPath     = "FORBIDDEN_PATH"
	ErrCodeDirectoryNotFound = "DIRECTORY_NOT_FOUND"
	ErrCodeNotADirectory     = "NOT_A_DIRECTORY"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeSessionError      = "SESSION_ERROR"
	ErrCodeAgent             = "CLAUDE_ERROR"
	ErrCodeTruncatedOutput   = "TRUNCATED_OUTPUT"
	ErrCodeAgentExitNonzero  = "AGENT_EXIT_NONZERO"
	ErrCodeEmptyOutput       = "EMPTY_OUTPUT"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeRoutingError      = "ROUTING_ERROR"
	ErrCodeHandlerError      = "HANDLER_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
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

// WithDetails attaches structured details to the error and returns it.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// InvalidRequest creates an error for a malformed or incomplete client message.
func InvalidRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidArgs creates an error for rejected Agent CLI argument construction.
func InvalidArgs(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidArgs,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidPath creates an error for a syntactically unacceptable path.
func InvalidPath(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidPath,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ForbiddenPath creates an error for a path outside the permitted root.
func ForbiddenPath(path string) *AppError {
	return &AppError{
		Code:       ErrCodeForbiddenPath,
		Message:    fmt.Sprintf("path '%s' is not permitted", path),
		HTTPStatus: http.StatusForbidden,
	}
}

// DirectoryNotFound creates an error for a missing working directory.
func DirectoryNotFound(path string) *AppError {
	return &AppError{
		Code:       ErrCodeDirectoryNotFound,
		Message:    fmt.Sprintf("directory '%s' does not exist", path),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotADirectory creates an error for a path that exists but is not a directory.
func NotADirectory(path string) *AppError {
	return &AppError{
		Code:       ErrCodeNotADirectory,
		Message:    fmt.Sprintf("path '%s' is not a directory", path),
		HTTPStatus: http.StatusBadRequest,
	}
}

// PermissionDenied creates an error for a denied permission cycle.
func PermissionDenied(message string) *AppError {
	return &AppError{
		Code:       ErrCodePermissionDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// SessionNotFound creates an error for an unknown session id.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotFound,
		Message:    fmt.Sprintf("session '%s' not found", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionError creates an error for a session in an unusable state.
func SessionError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionError,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// AgentError creates an error for an Agent CLI failure with a wrapped cause.
func AgentError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgent,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// TruncatedOutput creates an error for unparseable Agent CLI output.
func TruncatedOutput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTruncatedOutput,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// AgentExitNonzero creates an error for a non-zero Agent CLI exit.
func AgentExitNonzero(exitCode int, stderr string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentExitNonzero,
		Message:    fmt.Sprintf("agent exited with code %d", exitCode),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"exit_code": exitCode, "stderr": stderr},
	}
}

// EmptyOutput creates an error for an Agent CLI run that produced no stdout.
func EmptyOutput() *AppError {
	return &AppError{
		Code:       ErrCodeEmptyOutput,
		Message:    "agent produced no output",
		HTTPStatus: http.StatusBadGateway,
	}
}

// CommandFailed creates an error for a failed meta-command.
func CommandFailed(command string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeCommandFailed,
		Message:    fmt.Sprintf("command '%s' failed", command),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// RoutingError creates an error for a session routing conflict.
func RoutingError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRoutingError,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// HandlerError wraps a failure escaping a message handler.
func HandlerError(action string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeHandlerError,
		Message:    fmt.Sprintf("handler for '%s' failed", action),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the gateway error code for an error.
// Returns INTERNAL_ERROR if the error is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// As extracts an AppError from err, if present.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// IsCode checks whether the error carries the given gateway code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
