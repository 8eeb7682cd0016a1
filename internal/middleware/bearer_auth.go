package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenValidator resolves an access token to the identity it was issued for.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// BearerAuth authenticates requests with a listener access token and puts the
// token's identity into the request context.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, `{"error":"unauthorized","message":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			identity, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, `{"error":"unauthorized","message":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// IdentityFromCtx returns the authenticated identity or "".
func IdentityFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxIdentityKey).(string)
	return id
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, identity)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
