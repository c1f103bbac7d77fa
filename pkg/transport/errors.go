package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is an application or client error carrying an explicit status code.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Is matches another *Error with the same status and message, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Status == t.Status && e.Message == t.Message
}

// NewError creates a new Error.
func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// BadRequest creates a 400 Error.
func BadRequest(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrTimeout is returned when an exchange is not settled in time.
	ErrTimeout = &Error{Status: http.StatusGatewayTimeout, Message: "request timed out"}
	// ErrClosed is returned by Send after Shutdown.
	ErrClosed = errors.New("transport closed")
)

// FieldError is a single schema validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationError reports a payload that failed schema validation.
type ValidationError struct {
	Failures []FieldError `json:"failures"`
}

// NewValidationError creates a ValidationError from the given failures.
func NewValidationError(failures ...FieldError) *ValidationError {
	return &ValidationError{Failures: failures}
}

// Error joins every individual field failure.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}

// ConfigError is a fatal misconfiguration detected at Init.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Setting, e.Reason)
}

// Classify maps an error to the status and message carried in a response envelope.
// Validation errors come first, then errors with an explicit status, then everything else as 500.
func Classify(err error) (int, string) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, verr.Error()
	}
	var terr *Error
	if errors.As(err, &terr) && terr.Status != 0 {
		return terr.Status, terr.Message
	}
	return http.StatusInternalServerError, err.Error()
}
