// Package apperr defines the structured error taxonomy used across the
// pipeline, mirroring the teacher's AppError shape (type, message, optional
// details, wrapped cause) while capturing stack traces via go-faster/errors.
package apperr

import (
	"fmt"
	"net/http"

	faster "github.com/go-faster/errors"
)

// Type classifies an error per spec.md §7.
type Type string

const (
	TypeValidation       Type = "validation"
	TypeMissingInputs    Type = "missing_inputs"
	TypeWorkerFailure    Type = "worker_failure"
	TypeOutputsMissing   Type = "outputs_missing"
	TypeVerifyFailure    Type = "verify_failure"
	TypeQualityRetry     Type = "quality_retry"
	TypeQualityEscalated Type = "quality_escalated"
	TypePathEscape       Type = "path_escape"
	TypeSecretLeak       Type = "secret_leak"
	TypeFsFailure        Type = "fs_failure"
)

// statusCodes gives each taxonomy entry an HTTP-status-shaped severity, used
// only for operator dashboards; the core never serves HTTP.
var statusCodes = map[Type]int{
	TypeValidation:       http.StatusBadRequest,
	TypeMissingInputs:    http.StatusBadRequest,
	TypeWorkerFailure:    http.StatusInternalServerError,
	TypeOutputsMissing:   http.StatusInternalServerError,
	TypeVerifyFailure:    http.StatusInternalServerError,
	TypeQualityRetry:     http.StatusAccepted,
	TypeQualityEscalated: http.StatusConflict,
	TypePathEscape:       http.StatusForbidden,
	TypeSecretLeak:       http.StatusForbidden,
	TypeFsFailure:        http.StatusInternalServerError,
}

// AppError is the pipeline's error value. It is always constructed through
// New/Wrap/Wrapf so the Type is never left zero.
type AppError struct {
	Type       Type
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func New(t Type, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t], Cause: faster.New(message)}
}

func Newf(t Type, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

func Wrap(cause error, t Type, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t], Cause: faster.Wrap(cause, message)}
}

func Wrapf(cause error, t Type, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails mutates e in place and returns it, matching the teacher's
// fluent-but-mutating builder style (see errors_test.go: "Should modify in place").
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Is reports whether err carries the given taxonomy Type, unwrapping through
// any wrapping chain built by Wrap/Wrapf.
func Is(err error, t Type) bool {
	var ae *AppError
	if faster.As(err, &ae) {
		return ae.Type == t
	}
	return false
}
