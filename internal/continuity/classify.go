// Package continuity owns session-resume bookkeeping and failure
// classification: it decides when a silent resume failure can be retried
// transparently and maps raw stream failures to a fixed typed-error
// taxonomy with recovery hints.
package continuity

import (
	"strings"
	"time"
)

// Code identifies a failure class.
type Code string

const (
	CodeAuthRequired     Code = "auth_required"
	CodeRateLimited      Code = "rate_limited"
	CodeBillingError     Code = "billing_error"
	CodeNetworkOrProcess Code = "network_or_process_error"
	CodeSessionExpired   Code = "session_expired"
	CodeToolNotFound     Code = "tool_not_found_inactive_source"
	CodePermissionDenied Code = "permission_denied"
	CodeUserCancelled    Code = "user_cancelled"
	CodeUnknown          Code = "unknown_error"
)

// TypedError is the user-facing classification of a raw failure. It is a
// pure function of the input text, never of session state.
type TypedError struct {
	Code       Code          `json:"code"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	Actions    []string      `json:"actions"`
	CanRetry   bool          `json:"can_retry"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

// classRule maps substring patterns to a failure class. Patterns are
// lowercase; any single match selects the class. Substring scanning of
// provider wording is inherently brittle, which is why it lives in this one
// table and nowhere else.
type classRule struct {
	code     Code
	patterns []string
}

// Rule order matters: more specific classes come first so that, e.g., a
// session-expiry message containing the word "error" never lands in the
// generic bucket.
var classRules = []classRule{
	{CodeSessionExpired, []string{
		"no conversation found with session id",
		"session expired",
		"session not found",
		"invalid session id",
	}},
	{CodeToolNotFound, []string{
		"no such tool available",
	}},
	{CodeBillingError, []string{
		"credit balance",
		"billing",
		"payment required",
		"402",
	}},
	{CodeAuthRequired, []string{
		"invalid api key",
		"authentication failed",
		"unauthorized",
		"401",
		"please log in",
		"oauth token",
	}},
	{CodeRateLimited, []string{
		"429",
		"too many requests",
		"rate limit",
		"overloaded",
	}},
	{CodeNetworkOrProcess, []string{
		"econnrefused",
		"etimedout",
		"connection reset",
		"connection refused",
		"network",
		"exit status",
		"signal:",
		"no such file or directory",
	}},
}

// metadata per class: fixed title, message, recovery actions, retryability.
var classMeta = map[Code]TypedError{
	CodeAuthRequired: {
		Code:    CodeAuthRequired,
		Title:   "Authentication required",
		Message: "The agent could not authenticate. Sign in again to continue.",
		Actions: []string{"sign_in"},
	},
	CodeRateLimited: {
		Code:       CodeRateLimited,
		Title:      "Rate limited",
		Message:    "Too many requests right now. Wait a moment and retry.",
		Actions:    []string{"retry"},
		CanRetry:   true,
		RetryDelay: 30 * time.Second,
	},
	CodeBillingError: {
		Code:    CodeBillingError,
		Title:   "Billing issue",
		Message: "Your account has a billing problem. Resolve it to continue.",
		Actions: []string{"open_billing"},
	},
	CodeNetworkOrProcess: {
		Code:       CodeNetworkOrProcess,
		Title:      "Connection problem",
		Message:    "The agent process failed or the network dropped. Retrying usually helps.",
		Actions:    []string{"retry"},
		CanRetry:   true,
		RetryDelay: 5 * time.Second,
	},
	CodeSessionExpired: {
		Code:     CodeSessionExpired,
		Title:    "Session expired",
		Message:  "The previous conversation can no longer be resumed.",
		Actions:  []string{"retry"},
		CanRetry: true,
	},
	CodeToolNotFound: {
		Code:     CodeToolNotFound,
		Title:    "Tool source inactive",
		Message:  "A tool belongs to a source that is not active.",
		Actions:  []string{"enable_source"},
		CanRetry: true,
	},
	CodePermissionDenied: {
		Code:    CodePermissionDenied,
		Title:   "Permission denied",
		Message: "The requested action was not permitted.",
		Actions: []string{"change_mode"},
	},
	CodeUserCancelled: {
		Code:    CodeUserCancelled,
		Title:   "Interrupted",
		Message: "The turn was interrupted.",
		Actions: nil,
	},
	CodeUnknown: {
		Code:     CodeUnknown,
		Title:    "Something went wrong",
		Message:  "The agent hit an unexpected error.",
		Actions:  []string{"retry"},
		CanRetry: true,
	},
}

// matchCode scans the rule table and returns the first matching class.
func matchCode(raw string) Code {
	text := strings.ToLower(raw)
	for _, rule := range classRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(text, pattern) {
				return rule.code
			}
		}
	}
	return CodeUnknown
}

// Classify maps raw failure text to a TypedError. When the raw text only
// supports a generic network/process classification, the side-channel
// diagnostic text is consulted for a more specific class.
func Classify(raw, diagnostic string) TypedError {
	code := matchCode(raw)
	if (code == CodeNetworkOrProcess || code == CodeUnknown) && diagnostic != "" {
		if refined := matchCode(diagnostic); refined != CodeUnknown && refined != CodeNetworkOrProcess {
			code = refined
		} else if code == CodeUnknown && refined == CodeNetworkOrProcess {
			code = refined
		}
	}
	return ErrorFor(code)
}

// ErrorFor returns the fixed TypedError for a class.
func ErrorFor(code Code) TypedError {
	if meta, ok := classMeta[code]; ok {
		return meta
	}
	return classMeta[CodeUnknown]
}
