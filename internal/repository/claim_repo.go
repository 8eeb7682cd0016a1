package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/listenrewards/internal/models"
)

// ErrNonceConsumed is returned when a claim reuses an (identity, nonce) pair.
var ErrNonceConsumed = errors.New("nonce already consumed")

const claimColumns = `id, identity, rewarded_seconds, reward_amount::text, nonce, issued_at, expires_at, chain_id::text, contract, signature, status`

type ClaimRepo struct {
	pool *pgxpool.Pool
}

func NewClaimRepo(pool *pgxpool.Pool) *ClaimRepo {
	return &ClaimRepo{pool: pool}
}

func scanClaim(row pgx.Row) (*models.Claim, error) {
	var c models.Claim
	var amount, chainID string
	var nonce int64
	if err := row.Scan(&c.ID, &c.Identity, &c.RewardedSeconds, &amount, &nonce, &c.IssuedAt, &c.ExpiresAt, &chainID, &c.Contract, &c.Signature, &c.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ok bool
	if c.RewardAmount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("claim %s: bad reward_amount %q", c.ID, amount)
	}
	if c.ChainID, ok = new(big.Int).SetString(chainID, 10); !ok {
		return nil, fmt.Errorf("claim %s: bad chain_id %q", c.ID, chainID)
	}
	c.Nonce = uint64(nonce)
	return &c, nil
}

// CreateTx records an issued claim, consuming its nonce.
func (r *ClaimRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Claim) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reward_claims (id, identity, nonce, rewarded_seconds, reward_amount, chain_id, contract, signature, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11)
	`, c.ID, c.Identity, int64(c.Nonce), c.RewardedSeconds, c.RewardAmount.String(), c.ChainID.String(), c.Contract, c.Signature, c.Status, c.IssuedAt, c.ExpiresAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrNonceConsumed
	}
	return err
}

// CountIssuedSinceTx counts claims issued to identity at or after since.
func (r *ClaimRepo) CountIssuedSinceTx(ctx context.Context, tx pgx.Tx, identity string, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM reward_claims WHERE identity = $1 AND issued_at >= $2
	`, identity, since).Scan(&n)
	return n, err
}

// CountIssuedSince is CountIssuedSinceTx outside a transaction.
func (r *ClaimRepo) CountIssuedSince(ctx context.Context, identity string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM reward_claims WHERE identity = $1 AND issued_at >= $2
	`, identity, since).Scan(&n)
	return n, err
}

func (r *ClaimRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	return scanClaim(r.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM reward_claims WHERE id = $1`, id))
}

// ListByIdentity returns claims newest first.
func (r *ClaimRepo) ListByIdentity(ctx context.Context, identity string, limit int) ([]*models.Claim, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+claimColumns+` FROM reward_claims WHERE identity = $1 ORDER BY issued_at DESC LIMIT $2
	`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// UpdateStatus moves a claim from one status to another. It reports false when
// the claim was not in the expected status.
func (r *ClaimRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reward_claims SET status = $3, updated_at = now() WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireIssued marks every issued claim whose expires_at has passed as expired.
func (r *ClaimRepo) ExpireIssued(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reward_claims SET status = 'expired', updated_at = now()
		WHERE status = 'issued' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
