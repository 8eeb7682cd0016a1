// Package metrics holds the Prometheus collectors for the reward pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "listenrewards"

type Metrics struct {
	SessionsAccepted    prometheus.Counter
	SessionsRejected    *prometheus.CounterVec
	CreditedSeconds     prometheus.Counter
	ClaimsIssued        prometheus.Counter
	ClaimsDenied        *prometheus.CounterVec
	AuthorizationFailed prometheus.Counter
	InvariantViolations *prometheus.CounterVec
	ClaimHandoffs       *prometheus.CounterVec
}

// New builds the collectors and registers them with reg (the default registerer if nil).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "sessions_accepted_total",
			Help: "Sessions appended to the listening ledger.",
		}),
		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "sessions_rejected_total",
			Help: "Sessions rejected, partitioned by reason code.",
		}, []string{"reason"}),
		CreditedSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "credited_seconds_total",
			Help: "Listening seconds credited to identities.",
		}),
		ClaimsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "claims", Name: "issued_total",
			Help: "Signed claims handed out.",
		}),
		ClaimsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "claims", Name: "denied_total",
			Help: "Claim requests denied by eligibility policy, partitioned by reason.",
		}, []string{"reason"}),
		AuthorizationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "claims", Name: "authorization_failures_total",
			Help: "Claim authorizations aborted on signing or commit failure.",
		}),
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "invariant_violations_total",
			Help: "Ledger invariant violations. Any non-zero value needs an operator.",
		}, []string{"operation"}),
		ClaimHandoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "handoffs_total",
			Help: "Claim deliveries to the external executor, partitioned by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{
		m.SessionsAccepted, m.SessionsRejected, m.CreditedSeconds, m.ClaimsIssued,
		m.ClaimsDenied, m.AuthorizationFailed, m.InvariantViolations, m.ClaimHandoffs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) SessionAccepted(credited int64) {
	if m == nil {
		return
	}
	m.SessionsAccepted.Inc()
	m.CreditedSeconds.Add(float64(credited))
}

func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ClaimIssued() {
	if m == nil {
		return
	}
	m.ClaimsIssued.Inc()
}

func (m *Metrics) ClaimDenied(reason string) {
	if m == nil {
		return
	}
	m.ClaimsDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuthorizationFailure() {
	if m == nil {
		return
	}
	m.AuthorizationFailed.Inc()
}

func (m *Metrics) InvariantViolation(operation string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(operation).Inc()
}

func (m *Metrics) ClaimHandoff(outcome string) {
	if m == nil {
		return
	}
	m.ClaimHandoffs.WithLabelValues(outcome).Inc()
}
