// Package execution hands issued claims to the external ClaimExecutor and
// keeps claim status current for operators. Nothing here touches the ledger:
// a claim that fails downstream keeps its nonce consumed and its seconds debited.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/inaiurai/listenrewards/internal/events"
	"github.com/inaiurai/listenrewards/internal/metrics"
	"github.com/inaiurai/listenrewards/internal/models"
)

type RedeemClaimArgs struct {
	ClaimID  uuid.UUID `json:"claim_id"`
	Identity string    `json:"identity"`
}

func (RedeemClaimArgs) Kind() string { return "redeem_claim" }

// InsertRedeemTxFunc enqueues a redeem job inside the caller's transaction.
type InsertRedeemTxFunc func(ctx context.Context, tx pgx.Tx, args RedeemClaimArgs) error

// Handoff adapts insert to the authorizer's handoff hook so the job commits
// with the claim or not at all.
func Handoff(insert InsertRedeemTxFunc) func(ctx context.Context, tx pgx.Tx, c *models.Claim) error {
	return func(ctx context.Context, tx pgx.Tx, c *models.Claim) error {
		return insert(ctx, tx, RedeemClaimArgs{ClaimID: c.ID, Identity: c.Identity})
	}
}

// ClaimStore is what the workers need from the claim repository.
type ClaimStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Claim, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	ExpireIssued(ctx context.Context, now time.Time) (int64, error)
}

// RedeemRequest is the body POSTed to the executor. Amounts are decimal strings.
type RedeemRequest struct {
	UserAddress  string `json:"user_address"`
	ListenTime   int64  `json:"listening_time"`
	RewardAmount string `json:"reward_amount"`
	Nonce        uint64 `json:"nonce"`
	ExpiresAt    int64  `json:"expires_at"`
	ChainID      string `json:"chain_id"`
	Contract     string `json:"contract"`
	Signature    string `json:"signature"`
}

func NewRedeemRequest(c *models.Claim) RedeemRequest {
	return RedeemRequest{
		UserAddress:  c.Identity,
		ListenTime:   c.RewardedSeconds,
		RewardAmount: c.RewardAmount.String(),
		Nonce:        c.Nonce,
		ExpiresAt:    c.ExpiresAt.Unix(),
		ChainID:      c.ChainID.String(),
		Contract:     c.Contract,
		Signature:    c.Signature,
	}
}

// Handoff outcomes recorded in metrics.
const (
	OutcomeExecuted = "executed"
	OutcomeFailed   = "failed"
	OutcomeRetry    = "retry"
	OutcomeExpired  = "expired"
	OutcomeSkipped  = "skipped"
)

// EventPublisher receives a claim event after each status change.
type EventPublisher interface {
	PublishClaimEvent(ctx context.Context, ev events.ClaimEvent) error
}

type RedeemClaimWorker struct {
	river.WorkerDefaults[RedeemClaimArgs]
	claims      ClaimStore
	executorURL string
	httpClient  *http.Client
	metrics     *metrics.Metrics
	log         *slog.Logger

	// Events is optional.
	Events EventPublisher
	Now    func() time.Time
}

func NewRedeemClaimWorker(claims ClaimStore, executorURL string, timeout time.Duration, m *metrics.Metrics, log *slog.Logger) *RedeemClaimWorker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedeemClaimWorker{
		claims:      claims,
		executorURL: executorURL,
		httpClient:  &http.Client{Timeout: timeout},
		metrics:     m,
		log:         log,
		Now:         time.Now,
	}
}

func (w *RedeemClaimWorker) Work(ctx context.Context, job *river.Job[RedeemClaimArgs]) error {
	args := job.Args

	c, err := w.claims.GetByID(ctx, args.ClaimID)
	if err != nil {
		return fmt.Errorf("load claim %s: %w", args.ClaimID, err)
	}
	if c.Status != models.ClaimStatusIssued {
		w.metrics.ClaimHandoff(OutcomeSkipped)
		return nil
	}
	if !w.Now().Before(c.ExpiresAt) {
		if _, err := w.claims.UpdateStatus(ctx, c.ID, models.ClaimStatusIssued, models.ClaimStatusExpired); err != nil {
			return fmt.Errorf("mark claim expired: %w", err)
		}
		w.metrics.ClaimHandoff(OutcomeExpired)
		w.publish(ctx, c, models.ClaimStatusExpired)
		return nil
	}

	body, err := json.Marshal(NewRedeemRequest(c))
	if err != nil {
		return w.failClaim(ctx, c, fmt.Sprintf("encode request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.executorURL, bytes.NewReader(body))
	if err != nil {
		return w.failClaim(ctx, c, fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", c.Identity+":"+strconv.FormatUint(c.Nonce, 10))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.metrics.ClaimHandoff(OutcomeRetry)
		return fmt.Errorf("network error calling claim executor: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		w.metrics.ClaimHandoff(OutcomeRetry)
		return fmt.Errorf("claim executor returned %d", resp.StatusCode)
	default:
		return w.failClaim(ctx, c, fmt.Sprintf("claim executor rejected claim: %d", resp.StatusCode))
	}

	if _, err := w.claims.UpdateStatus(ctx, c.ID, models.ClaimStatusIssued, models.ClaimStatusExecuted); err != nil {
		return fmt.Errorf("failed to mark claim executed: %w", err)
	}
	w.metrics.ClaimHandoff(OutcomeExecuted)
	w.log.InfoContext(ctx, "claim executed", "claim_id", c.ID, "identity", c.Identity, "nonce", c.Nonce)
	w.publish(ctx, c, models.ClaimStatusExecuted)
	return nil
}

func (w *RedeemClaimWorker) failClaim(ctx context.Context, c *models.Claim, reason string) error {
	w.metrics.ClaimHandoff(OutcomeFailed)
	w.log.WarnContext(ctx, "claim execution failed", "claim_id", c.ID, "identity", c.Identity, "nonce", c.Nonce, "reason", reason)
	if _, err := w.claims.UpdateStatus(ctx, c.ID, models.ClaimStatusIssued, models.ClaimStatusExecutionFailed); err != nil {
		return fmt.Errorf("executor failed (%s) AND failed to mark claim as failed: %w", reason, err)
	}
	w.publish(ctx, c, models.ClaimStatusExecutionFailed)
	return nil
}

// publish is best effort: the status change is already committed.
func (w *RedeemClaimWorker) publish(ctx context.Context, c *models.Claim, status string) {
	if w.Events == nil {
		return
	}
	if err := w.Events.PublishClaimEvent(ctx, events.NewClaimEvent(c, status, w.Now())); err != nil {
		w.log.WarnContext(ctx, "failed to publish claim event", "claim_id", c.ID, "status", status, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Expiry sweep
// ---------------------------------------------------------------------------

type ExpireClaimsArgs struct{}

func (ExpireClaimsArgs) Kind() string { return "expire_claims" }

type ExpireClaimsWorker struct {
	river.WorkerDefaults[ExpireClaimsArgs]
	claims ClaimStore
	log    *slog.Logger

	Now func() time.Time
}

func NewExpireClaimsWorker(claims ClaimStore, log *slog.Logger) *ExpireClaimsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ExpireClaimsWorker{claims: claims, log: log, Now: time.Now}
}

func (w *ExpireClaimsWorker) Work(ctx context.Context, _ *river.Job[ExpireClaimsArgs]) error {
	n, err := w.claims.ExpireIssued(ctx, w.Now().UTC())
	if err != nil {
		return fmt.Errorf("expire issued claims: %w", err)
	}
	if n > 0 {
		w.log.InfoContext(ctx, "expired unredeemed claims", "count", n)
	}
	return nil
}

// PeriodicExpiry schedules the expiry sweep every interval.
func PeriodicExpiry(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ExpireClaimsArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

var errNotWired = errors.New("river insert not wired")

// LateInsert lets the River client be created after the services that enqueue
// through it. Calls made before Set fail with an error.
type LateInsert struct {
	mu sync.Mutex
	fn InsertRedeemTxFunc
}

func (l *LateInsert) Set(fn InsertRedeemTxFunc) {
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
}

func (l *LateInsert) Insert(ctx context.Context, tx pgx.Tx, args RedeemClaimArgs) error {
	l.mu.Lock()
	fn := l.fn
	l.mu.Unlock()
	if fn == nil {
		return errNotWired
	}
	return fn(ctx, tx, args)
}
