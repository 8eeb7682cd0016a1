package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/inaiurai/listenrewards/internal/ledger"
	"github.com/inaiurai/listenrewards/internal/memstore"
	"github.com/inaiurai/listenrewards/internal/metrics"
	"github.com/inaiurai/listenrewards/internal/models"
)

const alice = "0x00000000000000000000000000000000000000a1"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func session(start time.Time, seconds int64) *models.Session {
	return &models.Session{
		ID:              uuid.New(),
		Identity:        alice,
		StartTime:       start,
		EndTime:         start.Add(time.Duration(seconds) * time.Second),
		DurationSeconds: seconds,
	}
}

// appendCommitted runs AppendVerified in its own transaction and commits it.
func appendCommitted(t *testing.T, l *ledger.Ledger, store *memstore.Store, s *models.Session) (*models.LedgerEntry, error) {
	t.Helper()
	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	e, err := l.AppendVerified(ctx, tx, s)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// AppendVerified
// ---------------------------------------------------------------------------

func TestAppendVerified_Accumulates(t *testing.T) {
	store := memstore.New()
	l := ledger.New(store.Ledger, 2*time.Second, nil, nil)

	var last *models.LedgerEntry
	start := t0
	for i := 0; i < 3; i++ {
		e, err := appendCommitted(t, l, store, session(start, 600))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		last = e
		start = start.Add(600 * time.Second)
	}

	if last.VerifiedListeningSeconds != 1800 {
		t.Errorf("verified: got %d, want 1800", last.VerifiedListeningSeconds)
	}
	if last.PendingRewardSeconds != 1800 {
		t.Errorf("pending: got %d, want 1800", last.PendingRewardSeconds)
	}
	if !last.LastSessionEndTime.Equal(t0.Add(1800 * time.Second)) {
		t.Errorf("watermark: got %v", last.LastSessionEndTime)
	}
}

func TestAppendVerified_DuplicateIsStale(t *testing.T) {
	store := memstore.New()
	l := ledger.New(store.Ledger, 2*time.Second, nil, nil)

	s := session(t0, 600)
	if _, err := appendCommitted(t, l, store, s); err != nil {
		t.Fatalf("first append: %v", err)
	}
	dup := *s
	if _, err := appendCommitted(t, l, store, &dup); !errors.Is(err, models.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
	if got := store.Entry(alice).VerifiedListeningSeconds; got != 600 {
		t.Errorf("verified after duplicate: got %d, want 600", got)
	}
}

func TestAppendVerified_OverlapBeyondGrace(t *testing.T) {
	store := memstore.New()
	l := ledger.New(store.Ledger, 2*time.Second, nil, nil)

	if _, err := appendCommitted(t, l, store, session(t0, 600)); err != nil {
		t.Fatal(err)
	}
	// Starts 60s before the previous session ended.
	if _, err := appendCommitted(t, l, store, session(t0.Add(540*time.Second), 600)); !errors.Is(err, models.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
}

func TestAppendVerified_GraceOverlapCreditsOnlyNewTime(t *testing.T) {
	store := memstore.New()
	l := ledger.New(store.Ledger, 2*time.Second, nil, nil)

	if _, err := appendCommitted(t, l, store, session(t0, 600)); err != nil {
		t.Fatal(err)
	}
	// Starts 1s before the watermark: accepted, but only 599s are new.
	s := session(t0.Add(599*time.Second), 600)
	e, err := appendCommitted(t, l, store, s)
	if err != nil {
		t.Fatalf("append within grace: %v", err)
	}
	if s.CreditedSeconds != 599 {
		t.Errorf("credited: got %d, want 599", s.CreditedSeconds)
	}
	if e.VerifiedListeningSeconds != 1199 {
		t.Errorf("verified: got %d, want 1199", e.VerifiedListeningSeconds)
	}
}

func TestAppendVerified_RollbackLeavesNoEntry(t *testing.T) {
	store := memstore.New()
	l := ledger.New(store.Ledger, 0, nil, nil)

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	if _, err := l.AppendVerified(ctx, tx, session(t0, 60)); err != nil {
		t.Fatal(err)
	}
	_ = tx.Rollback(ctx)

	if e := store.Entry(alice); e != nil {
		t.Fatalf("expected no entry after rollback, got %+v", e)
	}
}

// ---------------------------------------------------------------------------
// SettleClaim
// ---------------------------------------------------------------------------

func TestSettleClaim_DebitsPendingOnly(t *testing.T) {
	store := memstore.New()
	l := ledger.New(store.Ledger, 0, nil, nil)
	if _, err := appendCommitted(t, l, store, session(t0, 3700)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	claimedAt := t0.Add(2 * time.Hour)
	e, err := l.SettleClaim(ctx, tx, alice, 3600, claimedAt)
	if err != nil {
		t.Fatalf("SettleClaim: %v", err)
	}
	_ = tx.Commit(ctx)

	if e.PendingRewardSeconds != 100 {
		t.Errorf("pending: got %d, want 100", e.PendingRewardSeconds)
	}
	if e.VerifiedListeningSeconds != 3700 {
		t.Errorf("verified must not change: got %d", e.VerifiedListeningSeconds)
	}
	if e.LastClaimTime == nil || !e.LastClaimTime.Equal(claimedAt) {
		t.Errorf("last claim time: got %v", e.LastClaimTime)
	}
}

func TestSettleClaim_OverdrawIsInvariantViolation(t *testing.T) {
	store := memstore.New()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New(store.Ledger, 0, m, nil)
	if _, err := appendCommitted(t, l, store, session(t0, 100)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	_, err = l.SettleClaim(ctx, tx, alice, 101, t0)
	_ = tx.Rollback(ctx)

	if !errors.Is(err, models.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if got := store.Entry(alice).PendingRewardSeconds; got != 100 {
		t.Errorf("pending must not be clamped: got %d, want 100", got)
	}
	if got := testutil.ToFloat64(m.InvariantViolations.WithLabelValues("settle_claim")); got != 1 {
		t.Errorf("invariant metric: got %v, want 1", got)
	}
}

func TestGet_UnknownIdentityIsEmpty(t *testing.T) {
	store := memstore.New()
	l := ledger.New(store.Ledger, 0, nil, nil)
	e, err := l.Get(context.Background(), alice)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.VerifiedListeningSeconds != 0 || e.Identity != alice {
		t.Errorf("unexpected entry: %+v", e)
	}
}
