package events

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/listenrewards/internal/models"
)

func TestNewClaimEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	c := &models.Claim{
		ID:              uuid.New(),
		Identity:        "0x00000000000000000000000000000000000000a1",
		Nonce:           3,
		RewardedSeconds: 3600,
		RewardAmount:    big.NewInt(42),
	}
	ev := NewClaimEvent(c, models.ClaimStatusExecuted, at)
	if ev.ClaimID != c.ID.String() || ev.RewardAmount != "42" || ev.Nonce != 3 {
		t.Errorf("event: %+v", ev)
	}
	if ev.OccurredAt.Location() != time.UTC {
		t.Errorf("occurred_at must be UTC, got %v", ev.OccurredAt.Location())
	}
}

func TestRoutingKey(t *testing.T) {
	tests := map[string]string{
		models.ClaimStatusExecuted:        RoutingClaimExecuted,
		models.ClaimStatusExpired:         RoutingClaimExpired,
		models.ClaimStatusExecutionFailed: RoutingClaimFailed,
	}
	for status, want := range tests {
		if got := RoutingKey(status); got != want {
			t.Errorf("RoutingKey(%q) = %q, want %q", status, got, want)
		}
	}
}
