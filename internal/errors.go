package agate

import (
	"errors"
	"regexp"
)

// Sentinel errors for the gateway domain. Messages follow the Go convention
// of lowercase, unpunctuated error strings.
var (
	ErrConfig       = errors.New("invalid configuration")
	ErrStorage      = errors.New("storage failure")
	ErrDecrypt      = errors.New("decrypt failure")
	ErrNotFound     = errors.New("not found")
	ErrUpstreamAuth = errors.New("upstream auth rejected")
	ErrRateLimited  = errors.New("upstream rate limited")
	ErrTransient    = errors.New("transient upstream failure")
	ErrEmptyStream  = errors.New("empty response stream")
	ErrNoAccount    = errors.New("no available accounts")
	ErrBadRequest   = errors.New("bad request")
)

// rateLimitPattern matches the message shapes upstreams use for quota
// exhaustion and rate limiting.
var rateLimitPattern = regexp.MustCompile(`(?i)429|quota|limit|resource_exhausted`)

// IsRateLimitShaped reports whether err looks like an upstream rate-limit or
// quota-exhaustion failure. This drives cooldowns and retry behaviour.
func IsRateLimitShaped(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return rateLimitPattern.MatchString(err.Error())
}
