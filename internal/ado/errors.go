package ado

import (
	"errors"
	"fmt"
	"time"
)

// Category is the typed error taxonomy every ADO failure maps into.
type Category string

const (
	CategoryValidation       Category = "VALIDATION"
	CategoryNotFound         Category = "NOT_FOUND"
	CategoryAuth             Category = "AUTH"
	CategoryAuthForbidden    Category = "AUTH_FORBIDDEN"
	CategoryConflict         Category = "CONFLICT"
	CategoryPrecondition     Category = "PRECONDITION"
	CategoryRateLimit        Category = "RATE_LIMIT"
	CategoryUpstream         Category = "UPSTREAM"
	CategoryNetwork          Category = "NETWORK"
	CategoryBusiness         Category = "BUSINESS"
	CategoryAIUnavailable    Category = "AI_UNAVAILABLE"
	CategoryQueryUnsupported Category = "QUERY_UNSUPPORTED"
)

// Error is a typed ADO failure carrying the HTTP status, ADO's own error
// code when present, and a Retry-After hint on rate limits.
type Error struct {
	Category     Category
	StatusCode   int
	ADOErrorCode string
	Message      string
	RetryAfter   time.Duration
	wrapped      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a typed error without an HTTP status (validation,
// query-unsupported, and similar client-side failures).
func NewError(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// WrapNetwork wraps a transport-level failure (dial, timeout, EOF).
func WrapNetwork(err error) *Error {
	return &Error{Category: CategoryNetwork, Message: err.Error(), wrapped: err}
}

// categoryForStatus maps an HTTP status code to the error taxonomy.
func categoryForStatus(status int) Category {
	switch {
	case status == 401:
		return CategoryAuth
	case status == 403:
		return CategoryAuthForbidden
	case status == 404:
		return CategoryNotFound
	case status == 409:
		return CategoryConflict
	case status == 412:
		return CategoryPrecondition
	case status == 429:
		return CategoryRateLimit
	case status >= 500:
		return CategoryUpstream
	default:
		return CategoryBusiness
	}
}

// CategoryOf extracts the category from any error chain, defaulting to
// UPSTREAM for untyped errors.
func CategoryOf(err error) Category {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return CategoryUpstream
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, cat Category) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Category == cat
}

// IsConflict reports whether err is an optimistic-concurrency failure.
// ADO signals revision mismatch as either 409 or 412 depending on the path.
func IsConflict(err error) bool {
	return IsCategory(err, CategoryConflict) || IsCategory(err, CategoryPrecondition)
}

// retryableForRead reports whether an idempotent GET should be retried.
func retryableForRead(err error) bool {
	switch CategoryOf(err) {
	case CategoryNetwork, CategoryUpstream, CategoryRateLimit:
		return true
	}
	return false
}

// retryableForWrite reports whether a mutation should be retried. Only
// transport failures qualify; everything else surfaces to the caller.
func retryableForWrite(err error) bool {
	return CategoryOf(err) == CategoryNetwork
}
