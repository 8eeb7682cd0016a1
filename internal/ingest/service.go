// Package ingest validates reported listening sessions and forwards accepted
// ones to the ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/listenrewards/internal/keylock"
	"github.com/inaiurai/listenrewards/internal/metrics"
	"github.com/inaiurai/listenrewards/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the subset of *ledger.Ledger used by ingest.
type Ledger interface {
	Get(ctx context.Context, identity string) (*models.LedgerEntry, error)
	AppendVerified(ctx context.Context, tx pgx.Tx, s *models.Session) (*models.LedgerEntry, error)
}

// SessionStore records accepted sessions.
type SessionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error
}

// Config holds the plausibility limits applied to every session.
type Config struct {
	MaxSessionSeconds int64
	DurationTolerance time.Duration
	OverlapGrace      time.Duration
	ClockSkew         time.Duration
	// Timeout bounds the locked append; exceeding it is a retryable failure.
	Timeout time.Duration
}

type SubmitSessionInput struct {
	Identity        string
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int64
	StationID       *string
}

type SubmitResult struct {
	Accepted        bool
	VerifiedSeconds int64
	CreditedSeconds int64
	Session         *models.Session
}

type Service struct {
	pool     TxBeginner
	ledger   Ledger
	sessions SessionStore
	locks    *keylock.Locker
	cfg      Config
	metrics  *metrics.Metrics
	log      *slog.Logger

	// Now is the wall clock; tests replace it.
	Now func() time.Time
}

func NewService(pool TxBeginner, l Ledger, sessions SessionStore, locks *keylock.Locker, cfg Config, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Service{pool: pool, ledger: l, sessions: sessions, locks: locks, cfg: cfg, metrics: m, log: log, Now: time.Now}
}

// SubmitSession validates in and appends it to the ledger. Validation runs in a
// fixed order and stops at the first failure; nothing is written unless every
// check passes and the ledger accepts the interval under the identity's lock.
func (s *Service) SubmitSession(ctx context.Context, in SubmitSessionInput) (*SubmitResult, error) {
	res, err := s.submit(ctx, in)
	if err != nil {
		s.metrics.SessionRejected(reasonOf(err))
		switch {
		case errors.Is(err, models.ErrStaleSession):
			s.log.DebugContext(ctx, "session rejected", "identity", in.Identity, "reason", models.ReasonOverlapOrStale)
		case errors.Is(err, models.ErrInvalidIdentity), errors.Is(err, models.ErrInvalidInterval), errors.Is(err, models.ErrFutureTimestamp):
			s.log.InfoContext(ctx, "session rejected", "identity", in.Identity, "reason", reasonOf(err), "error", err)
		default:
			s.log.ErrorContext(ctx, "session submission failed", "identity", in.Identity, "error", err)
		}
		return nil, err
	}
	s.metrics.SessionAccepted(res.CreditedSeconds)
	return res, nil
}

func (s *Service) submit(ctx context.Context, in SubmitSessionInput) (*SubmitResult, error) {
	identity, err := models.NormalizeIdentity(in.Identity)
	if err != nil {
		return nil, err
	}
	if err := s.checkInterval(in); err != nil {
		return nil, err
	}

	// Unlocked pre-check against committed state; AppendVerified repeats it under the lock.
	committed, err := s.ledger.Get(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: read ledger: %v", models.ErrRetryable, err)
	}
	if last := committed.LastSessionEndTime; last != nil {
		if !in.EndTime.After(*last) || in.StartTime.Before(last.Add(-s.cfg.OverlapGrace)) {
			return nil, fmt.Errorf("%w: session ends %s, ledger watermark %s", models.ErrStaleSession,
				in.EndTime.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
		}
	}

	if now := s.Now(); in.EndTime.After(now.Add(s.cfg.ClockSkew)) {
		return nil, fmt.Errorf("%w: session ends %s, server time %s", models.ErrFutureTimestamp,
			in.EndTime.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	sess := &models.Session{
		ID:              uuid.New(),
		Identity:        identity,
		StartTime:       in.StartTime.UTC(),
		EndTime:         in.EndTime.UTC(),
		DurationSeconds: in.DurationSeconds,
		StationID:       in.StationID,
	}
	entry, err := s.appendLocked(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		Accepted:        true,
		VerifiedSeconds: entry.VerifiedListeningSeconds,
		CreditedSeconds: sess.CreditedSeconds,
		Session:         sess,
	}, nil
}

func (s *Service) checkInterval(in SubmitSessionInput) error {
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return fmt.Errorf("%w: start and end time are required", models.ErrInvalidInterval)
	}
	if !in.EndTime.After(in.StartTime) {
		return fmt.Errorf("%w: end time must be after start time", models.ErrInvalidInterval)
	}
	if in.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration must be > 0", models.ErrInvalidInterval)
	}
	interval := in.EndTime.Sub(in.StartTime)
	diff := interval - time.Duration(in.DurationSeconds)*time.Second
	if diff < 0 {
		diff = -diff
	}
	if diff > s.cfg.DurationTolerance {
		return fmt.Errorf("%w: duration %ds does not match interval %s", models.ErrInvalidInterval, in.DurationSeconds, interval)
	}
	if in.DurationSeconds > s.cfg.MaxSessionSeconds || interval > time.Duration(s.cfg.MaxSessionSeconds)*time.Second+s.cfg.DurationTolerance {
		return fmt.Errorf("%w: session longer than %ds", models.ErrInvalidInterval, s.cfg.MaxSessionSeconds)
	}
	return nil
}

// appendLocked takes the identity's lock and appends sess in one transaction.
// Timeouts and persistence failures come back as models.ErrRetryable.
func (s *Service) appendLocked(ctx context.Context, sess *models.Session) (*models.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, sess.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: wait for identity lock: %v", models.ErrRetryable, err)
	}
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", models.ErrRetryable, err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.ledger.AppendVerified(ctx, tx, sess)
	if err != nil {
		if errors.Is(err, models.ErrStaleSession) || errors.Is(err, models.ErrInvariantViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: append: %v", models.ErrRetryable, err)
	}
	if err := s.sessions.CreateTx(ctx, tx, sess); err != nil {
		return nil, fmt.Errorf("%w: record session: %v", models.ErrRetryable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", models.ErrRetryable, err)
	}
	return entry, nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidIdentity):
		return models.ReasonInvalidIdentity
	case errors.Is(err, models.ErrInvalidInterval):
		return models.ReasonInvalidInterval
	case errors.Is(err, models.ErrStaleSession):
		return models.ReasonOverlapOrStale
	case errors.Is(err, models.ErrFutureTimestamp):
		return models.ReasonFutureTimestamp
	case errors.Is(err, models.ErrRetryable):
		return models.ReasonServiceUnavailable
	default:
		return models.ReasonInternal
	}
}
