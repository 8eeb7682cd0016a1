package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/listenrewards/internal/metrics"
	"github.com/inaiurai/listenrewards/internal/models"
)

// Store is the persistence the ledger needs. *Repository implements it.
type Store interface {
	Get(ctx context.Context, identity string) (*models.LedgerEntry, error)
	EnsureTx(ctx context.Context, tx pgx.Tx, identity string) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, identity string) (*models.LedgerEntry, error)
	AddListening(ctx context.Context, tx pgx.Tx, identity string, seconds int64, endTime time.Time) (*models.LedgerEntry, error)
	DebitPending(ctx context.Context, tx pgx.Tx, identity string, seconds int64, claimedAt time.Time) (*models.LedgerEntry, error)
}

// Ledger is the source of truth for verified listening time. Both mutating
// operations run inside the caller's transaction, after the caller has taken
// the identity's lock.
type Ledger struct {
	store        Store
	overlapGrace time.Duration
	metrics      *metrics.Metrics
	log          *slog.Logger
}

func New(store Store, overlapGrace time.Duration, m *metrics.Metrics, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, overlapGrace: overlapGrace, metrics: m, log: log}
}

// Get returns the committed entry, or an empty entry if identity has none.
func (l *Ledger) Get(ctx context.Context, identity string) (*models.LedgerEntry, error) {
	e, err := l.store.Get(ctx, identity)
	if errors.Is(err, ErrNoEntry) {
		return &models.LedgerEntry{Identity: identity}, nil
	}
	return e, err
}

// LockEntry creates the identity's row if needed and locks it for the rest of tx.
func (l *Ledger) LockEntry(ctx context.Context, tx pgx.Tx, identity string) (*models.LedgerEntry, error) {
	if err := l.store.EnsureTx(ctx, tx, identity); err != nil {
		return nil, fmt.Errorf("ensure ledger entry: %w", err)
	}
	e, err := l.store.GetForUpdate(ctx, tx, identity)
	if err != nil {
		return nil, fmt.Errorf("lock ledger entry: %w", err)
	}
	return e, nil
}

// AppendVerified credits s to its identity. It re-checks the overlap rule
// against the locked row: a session ending at or before the stored watermark,
// or starting more than the grace before it, is rejected with
// models.ErrStaleSession. Inside the grace only the part past the watermark is
// credited. On success s.CreditedSeconds holds the credited amount.
func (l *Ledger) AppendVerified(ctx context.Context, tx pgx.Tx, s *models.Session) (*models.LedgerEntry, error) {
	entry, err := l.LockEntry(ctx, tx, s.Identity)
	if err != nil {
		return nil, err
	}

	creditFrom := s.StartTime
	if last := entry.LastSessionEndTime; last != nil {
		if !s.EndTime.After(*last) || s.StartTime.Before(last.Add(-l.overlapGrace)) {
			return nil, fmt.Errorf("%w: session %s-%s, ledger watermark %s", models.ErrStaleSession,
				s.StartTime.UTC().Format(time.RFC3339), s.EndTime.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
		}
		if creditFrom.Before(*last) {
			creditFrom = *last
		}
	}
	credited := int64(s.EndTime.Sub(creditFrom) / time.Second)
	if credited < 0 {
		credited = 0
	}

	updated, err := l.store.AddListening(ctx, tx, s.Identity, credited, s.EndTime)
	if err != nil {
		return nil, err
	}
	if updated.VerifiedListeningSeconds < entry.VerifiedListeningSeconds {
		l.violation(ctx, "append_verified", s.Identity, credited, entry, updated)
		return nil, fmt.Errorf("%w: verified seconds went from %d to %d", models.ErrInvariantViolation, entry.VerifiedListeningSeconds, updated.VerifiedListeningSeconds)
	}
	s.CreditedSeconds = credited
	return updated, nil
}

// SettleClaim debits rewardedSeconds from the pending balance and stamps the
// claim time. A debit larger than the pending balance is an invariant
// violation: it is logged, counted and returned, never clamped.
func (l *Ledger) SettleClaim(ctx context.Context, tx pgx.Tx, identity string, rewardedSeconds int64, claimedAt time.Time) (*models.LedgerEntry, error) {
	if rewardedSeconds <= 0 {
		l.violation(ctx, "settle_claim", identity, rewardedSeconds, nil, nil)
		return nil, fmt.Errorf("%w: non-positive settle amount %d for %s", models.ErrInvariantViolation, rewardedSeconds, identity)
	}
	updated, err := l.store.DebitPending(ctx, tx, identity, rewardedSeconds, claimedAt)
	if errors.Is(err, ErrInsufficientPending) {
		l.violation(ctx, "settle_claim", identity, rewardedSeconds, nil, nil)
		return nil, fmt.Errorf("%w: settle %d seconds exceeds pending balance of %s", models.ErrInvariantViolation, rewardedSeconds, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("debit pending: %w", err)
	}
	return updated, nil
}

func (l *Ledger) violation(ctx context.Context, op, identity string, amount int64, before, after *models.LedgerEntry) {
	l.metrics.InvariantViolation(op)
	attrs := []any{"operation", op, "identity", identity, "amount_seconds", amount}
	if before != nil {
		attrs = append(attrs, "pending_before", before.PendingRewardSeconds, "verified_before", before.VerifiedListeningSeconds)
	}
	if after != nil {
		attrs = append(attrs, "pending_after", after.PendingRewardSeconds, "verified_after", after.VerifiedListeningSeconds)
	}
	l.log.ErrorContext(ctx, "ledger invariant violation", attrs...)
}
