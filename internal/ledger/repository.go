package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/listenrewards/internal/models"
)

// ErrNoEntry is returned when identity has no ledger row yet.
var ErrNoEntry = errors.New("no ledger entry")

// ErrInsufficientPending is returned when a debit would take pending reward seconds below zero.
var ErrInsufficientPending = errors.New("insufficient pending reward seconds")

const ledgerColumns = `identity, verified_listening_seconds, pending_reward_seconds, last_session_end_time, last_claim_time, last_nonce, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Begin starts a transaction on the underlying pool.
func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanLedger(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var nonce int64
	if err := row.Scan(&e.Identity, &e.VerifiedListeningSeconds, &e.PendingRewardSeconds, &e.LastSessionEndTime, &e.LastClaimTime, &nonce, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoEntry
		}
		return nil, err
	}
	e.LastNonce = uint64(nonce)
	return &e, nil
}

// Get returns the committed entry for identity, or ErrNoEntry.
func (r *Repository) Get(ctx context.Context, identity string) (*models.LedgerEntry, error) {
	return scanLedger(r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE identity = $1`, identity))
}

// EnsureTx creates an empty entry for identity if none exists. Call within a transaction.
func (r *Repository) EnsureTx(ctx context.Context, tx pgx.Tx, identity string) error {
	_, err := tx.Exec(ctx, `INSERT INTO ledger_entries (identity) VALUES ($1) ON CONFLICT (identity) DO NOTHING`, identity)
	return err
}

// GetForUpdate locks the identity's row until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, identity string) (*models.LedgerEntry, error) {
	return scanLedger(tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE identity = $1 FOR UPDATE`, identity))
}

// AddListening credits seconds and advances last_session_end_time, but only if
// endTime is past the stored watermark. Returns models.ErrStaleSession otherwise.
func (r *Repository) AddListening(ctx context.Context, tx pgx.Tx, identity string, seconds int64, endTime time.Time) (*models.LedgerEntry, error) {
	e, err := scanLedger(tx.QueryRow(ctx, `
		UPDATE ledger_entries
		SET verified_listening_seconds = verified_listening_seconds + $2,
		    pending_reward_seconds = pending_reward_seconds + $2,
		    last_session_end_time = $3,
		    updated_at = now()
		WHERE identity = $1 AND (last_session_end_time IS NULL OR last_session_end_time < $3)
		RETURNING `+ledgerColumns, identity, seconds, endTime))
	if errors.Is(err, ErrNoEntry) {
		return nil, models.ErrStaleSession
	}
	return e, err
}

// DebitPending subtracts seconds from pending_reward_seconds and stamps the claim
// time. Returns ErrInsufficientPending if pending is smaller than seconds.
func (r *Repository) DebitPending(ctx context.Context, tx pgx.Tx, identity string, seconds int64, claimedAt time.Time) (*models.LedgerEntry, error) {
	e, err := scanLedger(tx.QueryRow(ctx, `
		UPDATE ledger_entries
		SET pending_reward_seconds = pending_reward_seconds - $2,
		    last_claim_time = $3,
		    updated_at = now()
		WHERE identity = $1 AND pending_reward_seconds >= $2
		RETURNING `+ledgerColumns, identity, seconds, claimedAt))
	if errors.Is(err, ErrNoEntry) {
		return nil, ErrInsufficientPending
	}
	return e, err
}

// AllocateNonce bumps and returns the identity's nonce counter.
func (r *Repository) AllocateNonce(ctx context.Context, tx pgx.Tx, identity string) (uint64, error) {
	var nonce int64
	err := tx.QueryRow(ctx, `
		UPDATE ledger_entries SET last_nonce = last_nonce + 1, updated_at = now()
		WHERE identity = $1
		RETURNING last_nonce
	`, identity).Scan(&nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoEntry
	}
	return uint64(nonce), err
}
