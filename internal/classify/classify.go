// Package classify inspects accumulated worker output to decide whether a
// failure was caused by upstream rate limiting, by rejected credentials,
// or by something else. The worker manager uses the verdict to drive
// fallback-chain rotation: rate limits rotate to the next credential pair,
// auth failures surface immediately, everything else is a generic failure.
package classify

import (
	"regexp"
	"strings"
)

// Kind is the classification verdict.
type Kind int

const (
	// KindUnknown means no recognized failure signature was found.
	KindUnknown Kind = iota
	// KindRateLimited means the provider throttled the worker.
	KindRateLimited
	// KindAuthFailure means the provider rejected the worker's credentials.
	KindAuthFailure
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// LimitType distinguishes what resource was exhausted.
type LimitType string

const (
	LimitRequests LimitType = "requests"
	LimitTokens   LimitType = "tokens"
)

// Result is the classifier's verdict over an output window.
type Result struct {
	Kind Kind

	// Rate-limit details (Kind == KindRateLimited)
	LimitType   LimitType // requests or tokens
	ResetHint   string    // raw reset text from the provider, if present
	ProfileHint string    // profile name mentioned in the message, if any

	// Auth details (Kind == KindAuthFailure)
	FailureType string // e.g. "invalid_key", "expired_token", "billing"

	// Message is the matched line, for surfacing to the user.
	Message string
}

// Rate-limit signatures. These are the fixed token set observed from the
// providers; matching is per-line, case-insensitive substring on a closed
// list rather than free-form scanning.
var rateLimitTokens = []string{
	"rate limit",
	"rate_limit_error",
	"error 429",
	"status 429",
	"overloaded_error",
	"quota exceeded",
	"usage limit reached",
}

// Auth-failure signatures, mapped to a failure type.
var authTokens = []struct {
	token string
	ftype string
}{
	{"authentication_error", "auth_error"},
	{"invalid api key", "invalid_key"},
	{"invalid x-api-key", "invalid_key"},
	{"error 401", "auth_error"},
	{"status 401", "auth_error"},
	{"oauth token has expired", "expired_token"},
	{"credit balance is too low", "billing"},
}

var resetHintRe = regexp.MustCompile(`(?i)(?:resets?|retry)(?: at| after| in)?[: ]+([0-9][^.,\n]*)`)

// Classify inspects a bounded trailing window of accumulated output.
// Precedence: a rate-limit signature wins over an auth signature, because
// throttled requests sometimes also log credential noise and the
// recoverable verdict is the one that keeps the task alive.
func Classify(window string) Result {
	lines := strings.Split(window, "\n")

	var auth *Result
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		for _, tok := range rateLimitTokens {
			if strings.Contains(lower, tok) {
				return rateLimitResult(line, lower, strings.ToLower(window))
			}
		}
		if auth == nil {
			for _, at := range authTokens {
				if strings.Contains(lower, at.token) {
					auth = &Result{
						Kind:        KindAuthFailure,
						FailureType: at.ftype,
						Message:     line,
					}
					break
				}
			}
		}
	}

	if auth != nil {
		return *auth
	}
	return Result{Kind: KindUnknown}
}

// rateLimitResult fills in the optional rate-limit details.
func rateLimitResult(line, lower, windowLower string) Result {
	res := Result{
		Kind:      KindRateLimited,
		LimitType: LimitRequests,
		Message:   line,
	}
	if strings.Contains(windowLower, "token") {
		res.LimitType = LimitTokens
	}
	if m := resetHintRe.FindStringSubmatch(line); m != nil {
		res.ResetHint = strings.TrimSpace(m[1])
	}
	if idx := strings.Index(lower, "profile "); idx >= 0 {
		rest := line[idx+len("profile "):]
		if end := strings.IndexAny(rest, " :,."); end > 0 {
			res.ProfileHint = rest[:end]
		} else {
			res.ProfileHint = rest
		}
	}
	return res
}
