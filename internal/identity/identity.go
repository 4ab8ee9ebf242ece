// Package identity extracts the authenticated user id from requests.
// Session issuance lives upstream; this service trusts the gateway's
// X-User-ID header.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
)

type ctxKey struct{}

// HeaderUserID is the header the auth gateway sets on proxied requests.
const HeaderUserID = "X-User-ID"

// Middleware rejects requests without a user id and stores the id in
// the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing user identity"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// WithUser returns a context carrying the user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the user id stored in the context, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
