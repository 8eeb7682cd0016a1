package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.SessionAccepted(600)
	m.SessionAccepted(300)
	m.SessionRejected("future_timestamp")
	m.InvariantViolation("settle_claim")

	if got := testutil.ToFloat64(m.SessionsAccepted); got != 2 {
		t.Errorf("sessions accepted: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CreditedSeconds); got != 900 {
		t.Errorf("credited seconds: got %v, want 900", got)
	}
	if got := testutil.ToFloat64(m.SessionsRejected.WithLabelValues("future_timestamp")); got != 1 {
		t.Errorf("rejected future_timestamp: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InvariantViolations.WithLabelValues("settle_claim")); got != 1 {
		t.Errorf("invariant violations: got %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.SessionAccepted(1)
	m.SessionRejected("x")
	m.ClaimIssued()
	m.ClaimDenied("cooldown")
	m.AuthorizationFailure()
	m.InvariantViolation("x")
	m.ClaimHandoff("ok")
}

func TestNew_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
