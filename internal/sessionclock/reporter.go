package sessionclock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPReporter posts windows to the ingest API with a listener access token.
type HTTPReporter struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPReporter(baseURL, token string, timeout time.Duration) *HTTPReporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReporter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type sessionBody struct {
	Identity  string  `json:"identity"`
	StartTime int64   `json:"start_time"`
	EndTime   int64   `json:"end_time"`
	Duration  int64   `json:"duration"`
	StationID *string `json:"station_id,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *HTTPReporter) Report(ctx context.Context, r Report) (int64, error) {
	body := sessionBody{
		Identity:  r.Identity,
		StartTime: r.Start.Unix(),
		EndTime:   r.Start.Unix() + r.Duration,
		Duration:  r.Duration,
	}
	if r.StationID != "" {
		body.StationID = &r.StationID
	}
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/api/v1/sessions", bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.Token)

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var out struct {
			VerifiedTime int64 `json:"verified_time"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("decode session response: %w", err)
		}
		return out.VerifiedTime, nil
	case resp.StatusCode == http.StatusConflict:
		return 0, ErrAlreadyCredited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, fmt.Errorf("ingest returned %d", resp.StatusCode)
	default:
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return 0, fmt.Errorf("%w: %d %s %s", ErrRejected, resp.StatusCode, e.Error, e.Message)
	}
}
