package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/inaiurai/listenrewards/internal/claims"
	"github.com/inaiurai/listenrewards/internal/eligibility"
	"github.com/inaiurai/listenrewards/internal/ingest"
	"github.com/inaiurai/listenrewards/internal/middleware"
	"github.com/inaiurai/listenrewards/internal/models"
)

// maxBodyBytes bounds request bodies; session reports are tiny.
const maxBodyBytes = 16 << 10

// SessionSubmitter accepts session reports.
type SessionSubmitter interface {
	SubmitSession(ctx context.Context, in ingest.SubmitSessionInput) (*ingest.SubmitResult, error)
}

// LedgerReader reads committed ledger state.
type LedgerReader interface {
	Get(ctx context.Context, identity string) (*models.LedgerEntry, error)
}

// EligibilityChecker evaluates an identity without side effects.
type EligibilityChecker interface {
	Evaluate(ctx context.Context, identity string) (eligibility.Decision, error)
}

// ClaimIssuer authorizes claims.
type ClaimIssuer interface {
	Authorize(ctx context.Context, identity string) (*models.Claim, error)
}

// ClaimHistory lists issued claims, newest first.
type ClaimHistory interface {
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*models.Claim, error)
}

// SessionHistory lists accepted sessions, newest first.
type SessionHistory interface {
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*models.Session, error)
}

// RewardsHandler serves the listener-facing /api/v1 endpoints.
type RewardsHandler struct {
	Sessions     SessionSubmitter
	Ledger       LedgerReader
	Eligibility  EligibilityChecker
	Claims       ClaimIssuer
	ClaimHistory ClaimHistory
	SessionLog   SessionHistory
	RewardRate   *big.Int
	Logger       *slog.Logger

	// Now is the wall clock; tests replace it.
	Now func() time.Time
}

func (h *RewardsHandler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *RewardsHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- POST /api/v1/sessions ---

type submitSessionResponse struct {
	Success         bool  `json:"success"`
	VerifiedTime    int64 `json:"verified_time"`
	CreditedSeconds int64 `json:"credited_seconds"`
}

// SubmitSession handles POST /api/v1/sessions.
// Auth (via middleware) -> Schema -> Identity matches token -> Ingest -> 201.
func (h *RewardsHandler) SubmitSession(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	p, err := ingest.DecodePayload(raw)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if !h.ownsIdentity(w, r, p.Identity) {
		return
	}

	res, err := h.Sessions.SubmitSession(r.Context(), p.Input())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitSessionResponse{
		Success:         res.Accepted,
		VerifiedTime:    res.VerifiedSeconds,
		CreditedSeconds: res.CreditedSeconds,
	})
}

// --- GET /api/v1/listeners/{identity}/listening-time ---

type listeningTimeResponse struct {
	UserAddress          string     `json:"user_address"`
	VerifiedTime         int64      `json:"verified_time"`
	PendingRewardSeconds int64      `json:"pending_reward_seconds"`
	LastSessionEndTime   *time.Time `json:"last_session_end_time,omitempty"`
	LastClaimTime        *time.Time `json:"last_claim_time,omitempty"`
}

// GetListeningTime handles GET /api/v1/listeners/{identity}/listening-time.
func (h *RewardsHandler) GetListeningTime(w http.ResponseWriter, r *http.Request) {
	identity, err := models.NormalizeIdentity(r.PathValue("identity"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	e, err := h.Ledger.Get(r.Context(), identity)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listeningTimeResponse{
		UserAddress:          identity,
		VerifiedTime:         e.VerifiedListeningSeconds,
		PendingRewardSeconds: e.PendingRewardSeconds,
		LastSessionEndTime:   e.LastSessionEndTime,
		LastClaimTime:        e.LastClaimTime,
	})
}

// --- GET /api/v1/listeners/{identity}/eligibility ---

type eligibilityResponse struct {
	Eligible              bool       `json:"eligible"`
	NextRewardIn          int64      `json:"next_reward_in"`
	AvailableRewards      int64      `json:"available_rewards"`
	EstimatedRewardAmount string     `json:"estimated_reward_amount"`
	PendingRewardSeconds  int64      `json:"pending_reward_seconds"`
	NextEligibleAt        *time.Time `json:"next_eligible_at,omitempty"`
	Reason                string     `json:"reason,omitempty"`
}

// CheckEligibility handles GET /api/v1/listeners/{identity}/eligibility.
func (h *RewardsHandler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	d, err := h.Eligibility.Evaluate(r.Context(), r.PathValue("identity"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	resp := eligibilityResponse{
		Eligible:             d.Eligible,
		NextRewardIn:         d.NextRewardIn(h.now()),
		AvailableRewards:     d.ClaimableSeconds,
		PendingRewardSeconds: d.PendingSeconds,
		Reason:               d.Reason,
	}
	if h.RewardRate != nil {
		resp.EstimatedRewardAmount = claims.RewardAmount(d.ClaimableSeconds, h.RewardRate).String()
	}
	if !d.Eligible {
		at := d.NextEligibleAt.UTC()
		resp.NextEligibleAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- POST /api/v1/claims ---

type requestClaimRequest struct {
	UserAddress string `json:"user_address"`
}

type claimResponse struct {
	ClaimID       string    `json:"claim_id"`
	UserAddress   string    `json:"user_address"`
	ListeningTime int64     `json:"listening_time"`
	RewardAmount  string    `json:"reward_amount"`
	Signature     string    `json:"signature"`
	Nonce         uint64    `json:"nonce"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ChainID       string    `json:"chain_id"`
	Contract      string    `json:"contract"`
	Status        string    `json:"status,omitempty"`
}

func toClaimResponse(c *models.Claim) claimResponse {
	return claimResponse{
		ClaimID:       c.ID.String(),
		UserAddress:   c.Identity,
		ListeningTime: c.RewardedSeconds,
		RewardAmount:  c.RewardAmount.String(),
		Signature:     c.Signature,
		Nonce:         c.Nonce,
		IssuedAt:      c.IssuedAt,
		ExpiresAt:     c.ExpiresAt,
		ChainID:       c.ChainID.String(),
		Contract:      c.Contract,
		Status:        c.Status,
	}
}

// RequestClaim handles POST /api/v1/claims. The claim is always issued to the
// token's identity; a user_address in the body must match it.
func (h *RewardsHandler) RequestClaim(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	var req requestClaimRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
			return
		}
	}
	if req.UserAddress != "" && !h.ownsIdentity(w, r, req.UserAddress) {
		return
	}

	c, err := h.Claims.Authorize(r.Context(), identity)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClaimResponse(c))
}

// --- GET /api/v1/listeners/{identity}/claims ---

// ListClaims handles GET /api/v1/listeners/{identity}/claims?limit=n.
func (h *RewardsHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	identity, err := models.NormalizeIdentity(r.PathValue("identity"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := h.ClaimHistory.ListByIdentity(r.Context(), identity, limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	out := make([]claimResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toClaimResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- GET /api/v1/listeners/{identity}/sessions ---

// ListSessions handles GET /api/v1/listeners/{identity}/sessions?limit=n.
func (h *RewardsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := models.NormalizeIdentity(r.PathValue("identity"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := h.SessionLog.ListByIdentity(r.Context(), identity, limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- helpers ---

// parseLimit reads ?limit=, defaulting to 20. It writes 400 and returns false when out of range.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 20, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 100 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
		return 0, false
	}
	return n, true
}

// ownsIdentity writes 403 and returns false unless raw names the token's identity.
func (h *RewardsHandler) ownsIdentity(w http.ResponseWriter, r *http.Request, raw string) bool {
	caller := middleware.IdentityFromCtx(r.Context())
	id, err := models.NormalizeIdentity(raw)
	if err != nil {
		h.respondErr(w, r, err)
		return false
	}
	if caller == "" || caller != id {
		writeError(w, http.StatusForbidden, "forbidden", "identity does not match access token")
		return false
	}
	return true
}
