package engine

import "fmt"

// The operations below surface a small set of typed, expected errors. The
// server maps each to a status code; nothing here is retried internally.

// ConflictError reports a concurrent state violation: a duplicate draft, or
// a publish that lost the race for the production slot.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// InvalidStateError reports an operation applied to a version whose status
// does not permit it.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed for %s version", e.Op, e.Status)
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ForbiddenError reports a preview action the link does not allow, such as
// feedback on a link issued without it.
type ForbiddenError struct {
	Msg string
}

func (e ForbiddenError) Error() string { return e.Msg }

// ExpiredError reports a preview link past its expiry.
type ExpiredError struct{}

func (ExpiredError) Error() string { return "preview link expired" }

// RevokedError reports a revoked preview link.
type RevokedError struct{}

func (RevokedError) Error() string { return "preview link revoked" }

// UnauthorizedError reports a missing or wrong link password. Public
// handlers render it identically to an unknown token so callers cannot
// distinguish a bad password from a bad token.
type UnauthorizedError struct{}

func (UnauthorizedError) Error() string { return "invalid password" }

// QuotaExceededError reports an exhausted conversation quota.
type QuotaExceededError struct{}

func (QuotaExceededError) Error() string { return "conversation quota exhausted" }
