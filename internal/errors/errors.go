package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrProcessExited    = errors.New("process exited")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotAllowed       = errors.New("not allowed")
	ErrInternalError    = errors.New("internal error")
)

// Kind categorizes an orchestration error.
type Kind string

const (
	KindConnectivity  Kind = "connectivity"
	KindProtocol      Kind = "protocol"
	KindTimeout       Kind = "timeout"
	KindProcess       Kind = "process"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindInternal      Kind = "internal"
)

// OrchestratorError is a structured error for service orchestration operations.
// It is converted to a display string only at the API boundary.
type OrchestratorError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "health_poll", "chat_stream")
	Service    string // Service name where the error occurred
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *OrchestratorError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OrchestratorError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConnectionFailed:
		return e.Kind == KindConnectivity
	case ErrProcessExited:
		return e.Kind == KindProcess
	case ErrNotAllowed:
		return e.Kind == KindAuthorization
	case ErrInvalidInput:
		return e.Kind == KindValidation
	}

	return errors.Is(e.Err, target)
}

// New creates a new OrchestratorError
func New(kind Kind, op, service string, err error) *OrchestratorError {
	return &OrchestratorError{
		Kind:      kind,
		Op:        op,
		Service:   service,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithStatusCode adds an HTTP status code to the error
func (e *OrchestratorError) WithStatusCode(code int) *OrchestratorError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(kind Kind) bool {
	switch kind {
	case KindConnectivity, KindTimeout, KindProcess:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapConnectivity wraps an upstream-unreachable error with context
func WrapConnectivity(op, service string, err error) error {
	return New(KindConnectivity, op, service, err)
}

// WrapProtocol wraps a malformed-data error with context
func WrapProtocol(op, service string, err error) error {
	return New(KindProtocol, op, service, err)
}

// WrapTimeout wraps a deadline error with context
func WrapTimeout(op, service string, err error) error {
	return New(KindTimeout, op, service, err)
}

// WrapProcess wraps an unexpected-exit error with context
func WrapProcess(op, service string, err error) error {
	return New(KindProcess, op, service, err)
}

// KindOf returns the kind of an error, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var oerr *OrchestratorError
	if errors.As(err, &oerr) {
		return oerr.Kind
	}
	return KindInternal
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var oerr *OrchestratorError
	if errors.As(err, &oerr) {
		return oerr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}
