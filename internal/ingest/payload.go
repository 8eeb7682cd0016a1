package ingest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inaiurai/listenrewards/internal/models"
)

//go:embed schemas/session.v1.json
var sessionSchemaJSON string

var sessionSchema = jsonschema.MustCompileString("https://listenrewards.dev/schemas/session.v1.json", sessionSchemaJSON)

// SessionPayload is the wire form of a session report. Times are unix seconds.
type SessionPayload struct {
	Identity  string  `json:"identity"`
	StartTime int64   `json:"start_time"`
	EndTime   int64   `json:"end_time"`
	Duration  int64   `json:"duration"`
	StationID *string `json:"station_id,omitempty"`
}

// DecodePayload checks raw against the session schema and decodes it.
// Shape failures wrap models.ErrInvalidInterval.
func DecodePayload(raw []byte) (*SessionPayload, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", models.ErrInvalidInterval, err)
	}
	if err := sessionSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInterval, err)
	}
	var p SessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInterval, err)
	}
	return &p, nil
}

// Input converts the payload to a SubmitSessionInput.
func (p *SessionPayload) Input() SubmitSessionInput {
	return SubmitSessionInput{
		Identity:        p.Identity,
		StartTime:       time.Unix(p.StartTime, 0).UTC(),
		EndTime:         time.Unix(p.EndTime, 0).UTC(),
		DurationSeconds: p.Duration,
		StationID:       p.StationID,
	}
}
