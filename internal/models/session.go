package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one reported interval of listening. Accepted sessions are never
// modified; rejected ones are never stored.
type Session struct {
	ID              uuid.UUID `json:"id"`
	Identity        string    `json:"identity"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds int64     `json:"duration_seconds"`
	StationID       *string   `json:"station_id,omitempty"`
	// CreditedSeconds is the part of the interval that did not overlap an
	// earlier session, i.e. what was added to the ledger.
	CreditedSeconds int64     `json:"credited_seconds"`
	AcceptedAt      time.Time `json:"accepted_at"`
}

// IntervalSeconds is EndTime-StartTime in whole seconds.
func (s *Session) IntervalSeconds() int64 {
	return int64(s.EndTime.Sub(s.StartTime) / time.Second)
}
