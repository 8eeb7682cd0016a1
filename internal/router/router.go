package router

import (
	"net/http"

	"github.com/inaiurai/listenrewards/internal/auth"
	"github.com/inaiurai/listenrewards/internal/handlers"
)

// New returns an http.Handler that serves the API under /api/v1. Writes go
// through requireAuth; reads are public.
func New(authHandler *auth.Handler, rewards *handlers.RewardsHandler, requireAuth func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/challenge", authHandler.Challenge)
	mux.HandleFunc("POST "+base+"/auth/verify", authHandler.Verify)

	mux.Handle("POST "+base+"/sessions", requireAuth(http.HandlerFunc(rewards.SubmitSession)))
	mux.Handle("POST "+base+"/claims", requireAuth(http.HandlerFunc(rewards.RequestClaim)))

	mux.HandleFunc("GET "+base+"/listeners/{identity}/listening-time", rewards.GetListeningTime)
	mux.HandleFunc("GET "+base+"/listeners/{identity}/eligibility", rewards.CheckEligibility)
	mux.HandleFunc("GET "+base+"/listeners/{identity}/claims", rewards.ListClaims)
	mux.HandleFunc("GET "+base+"/listeners/{identity}/sessions", rewards.ListSessions)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
