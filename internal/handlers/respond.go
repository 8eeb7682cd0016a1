package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/inaiurai/listenrewards/internal/models"
)

type errorBody struct {
	Error          string     `json:"error"`
	Message        string     `json:"message"`
	RetryAfter     int64      `json:"retry_after,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// Retry-After hints, in seconds, for failures where nothing was committed.
const (
	retryAfterIngest = 1
	retryAfterClaim  = 5
)

// respondErr maps a service error to its status code and reason.
func (h *RewardsHandler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var denied *models.DeniedError
	switch {
	case errors.Is(err, models.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, models.ReasonInvalidIdentity, err.Error())
	case errors.Is(err, models.ErrInvalidInterval):
		writeError(w, http.StatusUnprocessableEntity, models.ReasonInvalidInterval, err.Error())
	case errors.Is(err, models.ErrFutureTimestamp):
		writeError(w, http.StatusUnprocessableEntity, models.ReasonFutureTimestamp, err.Error())
	case errors.Is(err, models.ErrStaleSession):
		writeError(w, http.StatusConflict, models.ReasonOverlapOrStale, "session overlaps already credited time")
	case errors.As(err, &denied):
		at := denied.NextEligibleAt.UTC()
		secs := int64(0)
		if d := at.Sub(h.now()); d > 0 {
			secs = int64((d + time.Second - 1) / time.Second)
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:          denied.Reason,
			Message:        "not eligible to claim yet",
			RetryAfter:     secs,
			NextEligibleAt: &at,
		})
	case errors.Is(err, models.ErrRetryable):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterIngest))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: models.ReasonServiceUnavailable, Message: "temporarily unavailable, retry the same session", RetryAfter: retryAfterIngest,
		})
	case errors.Is(err, models.ErrAuthorization):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterClaim))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: models.ReasonAuthorization, Message: "claim could not be authorized, nothing was debited", RetryAfter: retryAfterClaim,
		})
	default:
		h.log().ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, models.ReasonInternal, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
