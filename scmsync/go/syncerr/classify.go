package syncerr

import (
	"context"
	"errors"
	"net"
	"regexp"
)

var (
	timeoutRe    = regexp.MustCompile(`(?i)timeout|timed out`)
	connectionRe = regexp.MustCompile(`(?i)connection (refused|reset)`)
	authRe       = regexp.MustCompile(`(?i)unauthorized`)
	forbiddenRe  = regexp.MustCompile(`(?i)forbidden`)
	notFoundRe   = regexp.MustCompile(`(?i)not found`)
	rateLimitRe  = regexp.MustCompile(`(?i)rate.?limit|too many requests`)
)

// Classify maps an arbitrary error to a Category. A *SyncError keeps its own
// category; anything else is matched against the classification rules in
// order. Classify never returns an unknown category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var se *SyncError
	if errors.As(err, &se) {
		if se.Category.IsKnown() {
			return se.Category
		}
		return CategoryContractError
	}
	if cat, ok := classifyStatus(statusCodeOf(err)); ok {
		return cat
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	msg := err.Error()
	switch {
	case timeoutRe.MatchString(msg):
		return CategoryTimeout
	case connectionRe.MatchString(msg):
		return CategoryConnection
	case authRe.MatchString(msg):
		return CategoryAuthError
	case forbiddenRe.MatchString(msg):
		return CategoryPermissionDenied
	case notFoundRe.MatchString(msg):
		return CategoryRepoNotFound
	case rateLimitRe.MatchString(msg):
		return CategoryRateLimit
	}
	return CategoryException
}

// ClassifyStatus maps an HTTP status code to a Category, falling back to
// CategoryException for codes with no specific rule.
func ClassifyStatus(status int) Category {
	if cat, ok := classifyStatus(status); ok {
		return cat
	}
	return CategoryException
}

func classifyStatus(status int) (Category, bool) {
	switch {
	case status == 401:
		return CategoryAuthError, true
	case status == 403:
		return CategoryPermissionDenied, true
	case status == 404:
		return CategoryRepoNotFound, true
	case status == 429:
		return CategoryRateLimit, true
	case status >= 500 && status <= 599:
		return CategoryServerError, true
	}
	return "", false
}

// statusCodeOf pulls an HTTP status out of a SyncError in the chain, if any.
func statusCodeOf(err error) int {
	var se *SyncError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
