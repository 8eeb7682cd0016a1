package models

import (
	"errors"
	"fmt"
	"time"
)

// Reason codes surfaced to clients.
const (
	ReasonInvalidIdentity    = "invalid_identity"
	ReasonInvalidInterval    = "invalid_interval"
	ReasonOverlapOrStale     = "overlap_or_stale"
	ReasonFutureTimestamp    = "future_timestamp"
	ReasonBelowThreshold     = "below_threshold"
	ReasonCooldown           = "cooldown"
	ReasonDailyLimit         = "daily_limit"
	ReasonServiceUnavailable = "service_unavailable"
	ReasonAuthorization      = "authorization_failed"
	ReasonInternal           = "internal_error"
)

// Validation errors: malformed or implausible input, nothing was mutated.
var (
	ErrInvalidIdentity = errors.New(ReasonInvalidIdentity)
	ErrInvalidInterval = errors.New(ReasonInvalidInterval)
	ErrFutureTimestamp = errors.New(ReasonFutureTimestamp)
)

// ErrStaleSession is the idempotency conflict: the interval overlaps time the
// ledger has already credited. Expected on client retries.
var ErrStaleSession = errors.New(ReasonOverlapOrStale)

// ErrEligibilityDenied matches every *DeniedError via errors.Is.
var ErrEligibilityDenied = errors.New("eligibility denied")

// ErrAuthorization means a claim could not be signed or committed. Nothing was
// issued and nothing was debited; callers may ask again later.
var ErrAuthorization = errors.New(ReasonAuthorization)

// ErrRetryable marks a session submission that failed on a timeout or a
// transient persistence error. The same window may be re-submitted.
var ErrRetryable = errors.New(ReasonServiceUnavailable)

// ErrInvariantViolation signals ledger corruption or a bypassed upstream check.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// DeniedError reports why an identity cannot claim and when it may try again.
type DeniedError struct {
	Reason         string
	NextEligibleAt time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("claim denied (%s), next eligible at %s", e.Reason, e.NextEligibleAt.UTC().Format(time.RFC3339))
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrEligibilityDenied
}
