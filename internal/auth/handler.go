package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/inaiurai/listenrewards/internal/models"
)

type ChallengeRequest struct {
	Address string `json:"address"`
}

type ChallengeResponse struct {
	Challenge string    `json:"challenge"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type VerifyRequest struct {
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

type LoginResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_request","message":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	c, err := h.svc.Challenge(r.Context(), req.Address)
	if err != nil {
		if errors.Is(err, models.ErrInvalidIdentity) {
			http.Error(w, `{"error":"invalid_identity","message":"address must be a 0x-prefixed 20-byte hex string"}`, http.StatusBadRequest)
			return
		}
		h.log.Error("issue login challenge", "error", err)
		http.Error(w, `{"error":"internal_error","message":"challenge failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ChallengeResponse{Challenge: c.Token, Message: c.Message, ExpiresAt: c.ExpiresAt})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_request","message":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Challenge == "" || req.Signature == "" {
		http.Error(w, `{"error":"invalid_request","message":"missing challenge or signature"}`, http.StatusBadRequest)
		return
	}
	token, identity, err := h.svc.Verify(r.Context(), req.Challenge, req.Signature)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			http.Error(w, `{"error":"unauthorized","message":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		h.log.Error("login failed", "error", err)
		http.Error(w, `{"error":"internal_error","message":"login failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(LoginResponse{Token: token, Address: identity})
}
