// Package syncerr defines the closed error taxonomy of the sync engine. Every
// failure that crosses a component boundary is expressed as a SyncError with a
// Category from the enumeration below; retry policy is decided purely on the
// Category.
package syncerr

import (
	"fmt"
	"time"
)

// Category identifies a class of sync failure.
type Category string

const (
	// Permanent failures. The job is dead-lettered after a single attempt.
	CategoryAuthError        Category = "auth_error"
	CategoryAuthMissing      Category = "auth_missing"
	CategoryAuthInvalid      Category = "auth_invalid"
	CategoryRepoNotFound     Category = "repo_not_found"
	CategoryRepoTypeUnknown  Category = "repo_type_unknown"
	CategoryPermissionDenied Category = "permission_denied"

	// Transient failures. The job is retried with a category-default backoff.
	CategoryRateLimit   Category = "rate_limit"
	CategoryTimeout     Category = "timeout"
	CategoryNetwork     Category = "network"
	CategoryServerError Category = "server_error"
	CategoryConnection  Category = "connection"
	CategoryLeaseLost   Category = "lease_lost"

	// Everything else.
	CategoryException       Category = "exception"
	CategoryUnknown         Category = "unknown"
	CategoryUnknownJobType  Category = "unknown_job_type"
	CategoryLockHeld        Category = "lock_held"
	CategoryContractError   Category = "contract_error"
	CategoryValidationError Category = "validation_error"
	CategoryContentTooLarge Category = "content_too_large"
	CategoryParseError      Category = "parse_error"
)

var permanent = map[Category]bool{
	CategoryAuthError:        true,
	CategoryAuthMissing:      true,
	CategoryAuthInvalid:      true,
	CategoryRepoNotFound:     true,
	CategoryRepoTypeUnknown:  true,
	CategoryPermissionDenied: true,
}

var transient = map[Category]bool{
	CategoryRateLimit:   true,
	CategoryTimeout:     true,
	CategoryNetwork:     true,
	CategoryServerError: true,
	CategoryConnection:  true,
	CategoryLeaseLost:   true,
}

var known = func() map[Category]bool {
	m := map[Category]bool{
		CategoryException:       true,
		CategoryUnknown:         true,
		CategoryUnknownJobType:  true,
		CategoryLockHeld:        true,
		CategoryContractError:   true,
		CategoryValidationError: true,
		CategoryContentTooLarge: true,
		CategoryParseError:      true,
	}
	for c := range permanent {
		m[c] = true
	}
	for c := range transient {
		m[c] = true
	}
	return m
}()

// IsPermanent returns true for categories that must never be retried.
func (c Category) IsPermanent() bool { return permanent[c] }

// IsTransient returns true for categories that are retried with backoff.
func (c Category) IsTransient() bool { return transient[c] }

// IsKnown returns true if c is part of the closed enumeration.
func (c Category) IsKnown() bool { return known[c] }

// Default transient backoffs. Overridden by a server-supplied retry_after when
// present and positive.
var defaultBackoffs = map[Category]time.Duration{
	CategoryRateLimit:   120 * time.Second,
	CategoryTimeout:     30 * time.Second,
	CategoryServerError: 90 * time.Second,
	CategoryNetwork:     60 * time.Second,
	CategoryConnection:  45 * time.Second,
	CategoryLeaseLost:   0,
}

// DefaultBackoff returns the retry delay for the given category.
func DefaultBackoff(c Category) time.Duration {
	if d, ok := defaultBackoffs[c]; ok {
		return d
	}
	return 60 * time.Second
}

// SyncError is the structured error record carried across component
// boundaries.
type SyncError struct {
	Category   Category
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Endpoint   string
	Context    map[string]interface{}
}

// Error implements error.
func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// New returns a SyncError with the given category and message.
func New(c Category, format string, args ...interface{}) *SyncError {
	return &SyncError{Category: c, Message: fmt.Sprintf(format, args...)}
}

// WithStatus attaches an HTTP status code.
func (e *SyncError) WithStatus(code int) *SyncError {
	e.StatusCode = code
	return e
}

// WithEndpoint records which upstream endpoint produced the failure.
func (e *SyncError) WithEndpoint(endpoint string) *SyncError {
	e.Endpoint = endpoint
	return e
}

// WithRetryAfter records the server-supplied retry hint.
func (e *SyncError) WithRetryAfter(d time.Duration) *SyncError {
	e.RetryAfter = d
	return e
}
