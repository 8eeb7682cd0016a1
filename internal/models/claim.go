package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Claim status values. Issued is terminal for this service; the remaining
// states are recorded for operators only and never restore ledger balances.
const (
	ClaimStatusIssued          = "issued"
	ClaimStatusExecuted        = "executed"
	ClaimStatusExecutionFailed = "execution_failed"
	ClaimStatusExpired         = "expired"
)

// Claim is a signed, single-use authorization to redeem RewardAmount for
// Identity. Nonce is unique per identity and consumed when the claim is issued.
type Claim struct {
	ID              uuid.UUID `json:"id"`
	Identity        string    `json:"user_address"`
	RewardedSeconds int64     `json:"listening_time"`
	RewardAmount    *big.Int  `json:"reward_amount"`
	Nonce           uint64    `json:"nonce"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	ChainID         *big.Int  `json:"chain_id"`
	Contract        string    `json:"contract"`
	Signature       string    `json:"signature"`
	Status          string    `json:"status"`
}
