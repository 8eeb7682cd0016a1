// Package claims issues signed, single-use reward claims.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/listenrewards/internal/eligibility"
	"github.com/inaiurai/listenrewards/internal/keylock"
	"github.com/inaiurai/listenrewards/internal/metrics"
	"github.com/inaiurai/listenrewards/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the subset of *ledger.Ledger the authorizer writes through.
type Ledger interface {
	LockEntry(ctx context.Context, tx pgx.Tx, identity string) (*models.LedgerEntry, error)
	SettleClaim(ctx context.Context, tx pgx.Tx, identity string, rewardedSeconds int64, claimedAt time.Time) (*models.LedgerEntry, error)
}

// NonceAllocator hands out the next nonce for an identity inside tx.
type NonceAllocator interface {
	AllocateNonce(ctx context.Context, tx pgx.Tx, identity string) (uint64, error)
}

// ClaimStore records issued claims; the (identity, nonce) key is unique.
type ClaimStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.Claim) error
}

// Evaluator re-runs eligibility against a locked entry.
type Evaluator interface {
	EvaluateTx(ctx context.Context, tx pgx.Tx, entry *models.LedgerEntry, now time.Time) (eligibility.Decision, error)
}

// HandoffFunc schedules delivery of an issued claim to the executor inside tx,
// so the delivery exists if and only if the claim commits.
type HandoffFunc func(ctx context.Context, tx pgx.Tx, c *models.Claim) error

type Config struct {
	RewardRatePerSecond *big.Int
	ChainID             *big.Int
	Contract            common.Address
	TTL                 time.Duration
	// Timeout bounds the whole authorization; exceeding it aborts.
	Timeout time.Duration
}

// Authorizer runs evaluate, sign and settle as one transaction per identity.
type Authorizer struct {
	pool      TxBeginner
	ledger    Ledger
	nonces    NonceAllocator
	claims    ClaimStore
	evaluator Evaluator
	signer    Signer
	locks     *keylock.Locker
	handoff   HandoffFunc
	cfg       Config
	metrics   *metrics.Metrics
	log       *slog.Logger

	// Now is the wall clock; tests replace it.
	Now func() time.Time
}

func NewAuthorizer(
	pool TxBeginner,
	l Ledger,
	nonces NonceAllocator,
	claims ClaimStore,
	evaluator Evaluator,
	signer Signer,
	locks *keylock.Locker,
	handoff HandoffFunc,
	cfg Config,
	m *metrics.Metrics,
	log *slog.Logger,
) *Authorizer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Authorizer{
		pool: pool, ledger: l, nonces: nonces, claims: claims, evaluator: evaluator,
		signer: signer, locks: locks, handoff: handoff, cfg: cfg, metrics: m, log: log,
		Now: time.Now,
	}
}

// SignerAddress is the address executors must see recovered from claim signatures.
func (a *Authorizer) SignerAddress() common.Address { return a.signer.Address() }

// Authorize issues a claim for identity or explains why not. A returned claim
// has its nonce consumed and its seconds debited in the same committed
// transaction. On any failure nothing is committed. Callers must not retry a
// failed call blindly; a new call re-reads committed state.
func (a *Authorizer) Authorize(ctx context.Context, identity string) (*models.Claim, error) {
	id, err := models.NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	c, err := a.authorize(ctx, id)
	switch {
	case err == nil:
		a.metrics.ClaimIssued()
		a.log.InfoContext(ctx, "claim issued", "identity", id, "nonce", c.Nonce,
			"rewarded_seconds", c.RewardedSeconds, "reward_amount", c.RewardAmount.String(), "claim_id", c.ID)
	case errors.Is(err, models.ErrEligibilityDenied):
		var denied *models.DeniedError
		if errors.As(err, &denied) {
			a.metrics.ClaimDenied(denied.Reason)
		}
	case errors.Is(err, models.ErrInvariantViolation):
		// Already logged and counted by the ledger.
	default:
		a.metrics.AuthorizationFailure()
		a.log.ErrorContext(ctx, "claim authorization aborted", "identity", id, "error", err)
	}
	return c, err
}

func (a *Authorizer) authorize(ctx context.Context, identity string) (*models.Claim, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	unlock, err := a.locks.Lock(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: wait for identity lock: %v", models.ErrAuthorization, err)
	}
	defer unlock()

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", models.ErrAuthorization, err)
	}
	defer tx.Rollback(ctx)

	entry, err := a.ledger.LockEntry(ctx, tx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthorization, err)
	}

	now := a.Now().UTC()
	decision, err := a.evaluator.EvaluateTx(ctx, tx, entry, now)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate: %v", models.ErrAuthorization, err)
	}
	if !decision.Eligible {
		return nil, decision.Denied()
	}

	nonce, err := a.nonces.AllocateNonce(ctx, tx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate nonce: %v", models.ErrAuthorization, err)
	}

	c := &models.Claim{
		ID:              uuid.New(),
		Identity:        identity,
		RewardedSeconds: decision.ClaimableSeconds,
		RewardAmount:    RewardAmount(decision.ClaimableSeconds, a.cfg.RewardRatePerSecond),
		Nonce:           nonce,
		IssuedAt:        now,
		ExpiresAt:       now.Add(a.cfg.TTL),
		ChainID:         new(big.Int).Set(a.cfg.ChainID),
		Contract:        a.cfg.Contract.Hex(),
		Status:          models.ClaimStatusIssued,
	}
	sig, err := a.signer.Sign(ctx, Digest(c))
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", models.ErrAuthorization, err)
	}
	c.Signature = hexutil.Encode(sig)

	if _, err := a.ledger.SettleClaim(ctx, tx, identity, c.RewardedSeconds, now); err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: settle: %v", models.ErrAuthorization, err)
	}
	if err := a.claims.CreateTx(ctx, tx, c); err != nil {
		return nil, fmt.Errorf("%w: record claim: %v", models.ErrAuthorization, err)
	}
	if a.handoff != nil {
		if err := a.handoff(ctx, tx, c); err != nil {
			return nil, fmt.Errorf("%w: schedule handoff: %v", models.ErrAuthorization, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", models.ErrAuthorization, err)
	}
	return c, nil
}

// RewardAmount is seconds × rate in token base units.
func RewardAmount(seconds int64, ratePerSecond *big.Int) *big.Int {
	return new(big.Int).Mul(big.NewInt(seconds), ratePerSecond)
}
