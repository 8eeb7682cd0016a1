package models

import "time"

// LedgerEntry is the per-identity aggregate of verified listening time.
// VerifiedListeningSeconds never decreases; claims only draw down
// PendingRewardSeconds.
type LedgerEntry struct {
	Identity                 string     `json:"identity"`
	VerifiedListeningSeconds int64      `json:"verified_listening_seconds"`
	PendingRewardSeconds     int64      `json:"pending_reward_seconds"`
	LastSessionEndTime       *time.Time `json:"last_session_end_time,omitempty"`
	LastClaimTime            *time.Time `json:"last_claim_time,omitempty"`
	LastNonce                uint64     `json:"last_nonce"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}
