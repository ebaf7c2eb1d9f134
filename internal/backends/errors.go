package backends

import (
	"errors"
	"fmt"
)

// Category normalizes backend failures so callers can decide retry behavior
// without knowing which backend failed.
type Category string

const (
	// CategoryDataUnavailable indicates the upstream system is unreachable.
	// Retryable; the affected evaluation is aborted and retried, prior
	// membership stays untouched.
	CategoryDataUnavailable Category = "data_unavailable"

	// CategoryInvalidScope indicates the backend does not serve the
	// requested scope. A configuration error, never retried automatically.
	CategoryInvalidScope Category = "invalid_scope"

	// CategoryBadData indicates the backend returned malformed data.
	CategoryBadData Category = "bad_data"

	// CategoryInternal indicates an unexpected backend-side error.
	CategoryInternal Category = "internal"
)

// Error wraps backend failures with normalized categorization.
type Error struct {
	Category   Category
	Backend    string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("backend %s [%s]: %s: %v", e.Backend, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("backend %s [%s]: %s", e.Backend, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewError creates a normalized backend error. Only unavailable upstreams
// are worth retrying.
func NewError(category Category, backend, message string, underlying error) *Error {
	return &Error{
		Category:   category,
		Backend:    backend,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == CategoryDataUnavailable,
	}
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// CategoryOf extracts the category from an error.
func CategoryOf(err error) Category {
	var be *Error
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryInternal
}
