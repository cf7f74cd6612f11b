package grant

import (
	"errors"
	"fmt"
)

// Validation errors. They are returned wrapped in a *ValidationError and are
// never retried.
var (
	ErrMissingField       = errors.New("missing required field")
	ErrInvalidContentType = errors.New("content type not allowed")
	ErrFileTooLarge       = errors.New("file too large")
	ErrInvalidSize        = errors.New("invalid file size")
	ErrInvalidFilename    = errors.New("invalid filename")
)

// Token errors reported by the local upload path.
var (
	ErrTokenInvalid = errors.New("upload token invalid")
	ErrTokenExpired = errors.New("upload token expired")
)

// ValidationError is a rejected grant request.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Code is the machine-readable name of the failure.
func (e *ValidationError) Code() string {
	switch {
	case errors.Is(e.Err, ErrMissingField):
		return "MissingField"
	case errors.Is(e.Err, ErrInvalidContentType):
		return "InvalidContentType"
	case errors.Is(e.Err, ErrFileTooLarge):
		return "FileTooLarge"
	case errors.Is(e.Err, ErrInvalidSize):
		return "InvalidSize"
	case errors.Is(e.Err, ErrInvalidFilename):
		return "InvalidFilename"
	}
	return "ValidationError"
}

func invalid(err error, format string, args ...any) *ValidationError {
	return &ValidationError{Err: err, Detail: fmt.Sprintf(format, args...)}
}
