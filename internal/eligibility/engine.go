// Package eligibility decides whether an identity may claim a reward now.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/listenrewards/internal/models"
)

// Policy is the claim rate-limit configuration.
type Policy struct {
	MinClaimThresholdSeconds   int64
	ClaimCooldown              time.Duration
	MaxClaimsPerDay            int
	MaxRewardedSecondsPerClaim int64
}

// Decision is the outcome of evaluating one ledger entry.
type Decision struct {
	Eligible bool
	// ClaimableSeconds is what a claim would reward: the pending balance capped
	// at MaxRewardedSecondsPerClaim. Reported even when not eligible.
	ClaimableSeconds int64
	PendingSeconds   int64
	// NextEligibleAt is now when eligible, otherwise the earliest time every
	// blocking condition could be cleared.
	NextEligibleAt time.Time
	// Reason names the condition that clears last. Empty when eligible.
	Reason string
}

// NextRewardIn is NextEligibleAt relative to now, rounded up to whole seconds.
func (d Decision) NextRewardIn(now time.Time) int64 {
	if d.Eligible || !d.NextEligibleAt.After(now) {
		return 0
	}
	return int64((d.NextEligibleAt.Sub(now) + time.Second - 1) / time.Second)
}

// Denied converts an ineligible decision into the error returned to claimers.
func (d Decision) Denied() error {
	if d.Eligible {
		return nil
	}
	return &models.DeniedError{Reason: d.Reason, NextEligibleAt: d.NextEligibleAt}
}

// DayStart is the start of the UTC day containing t. Daily claim limits reset there.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Evaluate applies the policy to entry. claimsToday is the number of claims
// issued to the identity since DayStart(now). Evaluate is pure.
func (p Policy) Evaluate(entry *models.LedgerEntry, claimsToday int, now time.Time) Decision {
	pending := entry.PendingRewardSeconds
	d := Decision{
		ClaimableSeconds: min(pending, p.MaxRewardedSecondsPerClaim),
		PendingSeconds:   pending,
		NextEligibleAt:   now,
	}
	if d.ClaimableSeconds < 0 {
		d.ClaimableSeconds = 0
	}

	block := func(reason string, until time.Time) {
		if d.Reason == "" || until.After(d.NextEligibleAt) {
			d.Reason = reason
			d.NextEligibleAt = until
		}
	}

	if pending < p.MinClaimThresholdSeconds {
		block(models.ReasonBelowThreshold, now.Add(time.Duration(p.MinClaimThresholdSeconds-pending)*time.Second))
	}
	if entry.LastClaimTime != nil {
		if until := entry.LastClaimTime.Add(p.ClaimCooldown); now.Before(until) {
			block(models.ReasonCooldown, until)
		}
	}
	if claimsToday >= p.MaxClaimsPerDay {
		block(models.ReasonDailyLimit, DayStart(now).Add(24*time.Hour))
	}

	d.Eligible = d.Reason == ""
	return d
}

// LedgerReader reads committed ledger state.
type LedgerReader interface {
	Get(ctx context.Context, identity string) (*models.LedgerEntry, error)
}

// ClaimCounter counts claims issued to an identity.
type ClaimCounter interface {
	CountIssuedSince(ctx context.Context, identity string, since time.Time) (int, error)
	CountIssuedSinceTx(ctx context.Context, tx pgx.Tx, identity string, since time.Time) (int, error)
}

// Service evaluates eligibility from committed state. It is read-only; the
// claim authorizer re-runs the policy inside its own transaction.
type Service struct {
	Policy Policy
	ledger LedgerReader
	claims ClaimCounter

	// Now is the wall clock; tests replace it.
	Now func() time.Time
}

func NewService(policy Policy, l LedgerReader, claims ClaimCounter) *Service {
	return &Service{Policy: policy, ledger: l, claims: claims, Now: time.Now}
}

// Evaluate reports whether identity may claim now.
func (s *Service) Evaluate(ctx context.Context, identity string) (Decision, error) {
	id, err := models.NormalizeIdentity(identity)
	if err != nil {
		return Decision{}, err
	}
	now := s.Now()
	entry, err := s.ledger.Get(ctx, id)
	if err != nil {
		return Decision{}, fmt.Errorf("read ledger: %w", err)
	}
	n, err := s.claims.CountIssuedSince(ctx, id, DayStart(now))
	if err != nil {
		return Decision{}, fmt.Errorf("count claims: %w", err)
	}
	return s.Policy.Evaluate(entry, n, now), nil
}

// EvaluateTx is Evaluate against an entry already locked in tx.
func (s *Service) EvaluateTx(ctx context.Context, tx pgx.Tx, entry *models.LedgerEntry, now time.Time) (Decision, error) {
	n, err := s.claims.CountIssuedSinceTx(ctx, tx, entry.Identity, DayStart(now))
	if err != nil {
		return Decision{}, fmt.Errorf("count claims: %w", err)
	}
	return s.Policy.Evaluate(entry, n, now), nil
}
