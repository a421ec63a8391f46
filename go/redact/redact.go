// Package redact scrubs credentials out of strings before they can reach the
// database or the logs. Every error string persisted by the sync engine passes
// through Redact; the function is idempotent so double-redaction is harmless.
package redact

import (
	"regexp"
	"strings"
)

var (
	// GitLab personal/project/group access tokens, e.g. glpat-..., glrt-...
	gitlabTokenRe = regexp.MustCompile(`glp[a-z]{1,2}-[A-Za-z0-9_-]{10,}`)

	bearerRe     = regexp.MustCompile(`(?i)(Bearer)\s+\S+`)
	privateTokRe = regexp.MustCompile(`(?i)(PRIVATE-TOKEN:)\s*\S+`)
	authHeaderRe = regexp.MustCompile(`(?i)(Authorization:)\s*\S+\s+\S+`)

	// user:password@host in URLs. The username is kept, the password dropped.
	urlUserinfoRe = regexp.MustCompile(`(://|^|\s)([^/\s:@]+):([^/\s:@]+)@`)
)

// sensitiveKeys are map keys whose entire value is replaced rather than
// pattern-scrubbed.
var sensitiveKeys = map[string]bool{
	"authorization":  true,
	"private-token":  true,
	"cookie":         true,
	"x-gitlab-token": true,
}

// Redact replaces any recognizable credential material in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = gitlabTokenRe.ReplaceAllString(s, "[GITLAB_TOKEN]")
	s = bearerRe.ReplaceAllString(s, "$1 [REDACTED]")
	s = privateTokRe.ReplaceAllString(s, "$1 [TOKEN]")
	s = authHeaderRe.ReplaceAllString(s, "$1 [REDACTED]")
	s = urlUserinfoRe.ReplaceAllString(s, "${1}${2}:[REDACTED]@")
	return s
}

// Error redacts err's message. Returns "" for a nil error.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

// Map returns a deep copy of m with every string value redacted. Values under
// recognized sensitive keys (Authorization, PRIVATE-TOKEN, Cookie,
// X-Gitlab-Token) are replaced entirely. Nested maps are walked recursively;
// non-string values are passed through.
func Map(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		switch t := v.(type) {
		case string:
			out[k] = Redact(t)
		case map[string]interface{}:
			out[k] = Map(t)
		default:
			out[k] = v
		}
	}
	return out
}
