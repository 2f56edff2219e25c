package engine

import (
	"fmt"

	"okrio/internal/domain"
	"okrio/internal/policy"
)

// NotFoundError reports an absent unit. Not retryable.
type NotFoundError struct {
	UnitID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("unit %s not found", e.UnitID)
}

// VersionConflictError reports a lost optimistic-concurrency race. The
// caller must reload the unit and retry with the fresh version.
type VersionConflictError struct {
	UnitID   string
	Expected int64
	Actual   int64
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("unit %s version conflict: expected %d, have %d", e.UnitID, e.Expected, e.Actual)
}

// IllegalTransitionError reports an edge outside the static transition
// table. Permanent for the requested pair.
type IllegalTransitionError struct {
	From domain.State
	To   domain.State
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// ForbiddenError carries the policy denial verbatim so callers can render
// an actionable message.
type ForbiddenError struct {
	Action   policy.Action
	Decision policy.Decision
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Decision.Reason)
}

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}

// UnavailableError wraps a repository failure. The caller may retry with
// backoff; the engine performs no retries of its own beyond the bounded
// compare-and-swap loop.
type UnavailableError struct {
	Op  string
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("repository unavailable during %s: %v", e.Op, e.Err)
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}
