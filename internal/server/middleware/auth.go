package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/server/auth"
)

// RequireAuth validates the bearer token and populates the account ID in
// the request context. Every authenticated response carries the server
// timestamp header, the only legitimate trusted-clock anchor source.
func RequireAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			accountID, err := auth.ParseToken(token, secret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			w.Header().Set(protocol.ServerTimeHeader, time.Now().UTC().Format(time.RFC3339Nano))

			ctx := auth.WithAccountID(r.Context(), accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
