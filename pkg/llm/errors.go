package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies AI service failures per the runtime's error policy.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindRateLimit  ErrorKind = "rate-limit"
	KindConnection ErrorKind = "connection"
	KindService    ErrorKind = "service"
	KindSchema     ErrorKind = "schema"
	KindCancelled  ErrorKind = "cancelled"
)

// Error is a typed AI service failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an llm.Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind == kind
	}
	return false
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized:
		return KindAuth
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case statusCode >= 500:
		return KindService
	default:
		return KindService
	}
}

func newStatusError(statusCode int, message string, err error) *Error {
	return &Error{
		Kind:       classifyStatus(statusCode),
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}
