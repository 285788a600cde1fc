package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrUnsupported indicates no registered provider matches the URL.
	ErrUnsupported = errors.New("no provider for url")

	// ErrUnacceptedType indicates the resolved resource type is excluded
	// by the caller's accept filter.
	ErrUnacceptedType = errors.New("resource type not accepted")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable indicates the remote service is unavailable.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the remote.
	ErrThrottled = errors.New("request throttled")
)

// Error wraps provider-specific failures with operation context.
type Error struct {
	// Op is the operation that failed (e.g., "Enumerate", "Fetch").
	Op string

	// Provider is the provider id (e.g., "http").
	Provider string

	// Key is the resource locator, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnsupported reports whether err indicates an unmatchable URL.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsThrottled reports whether err indicates remote rate limiting.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
