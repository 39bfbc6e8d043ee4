package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/haggle/internal/auth"
)

const unauthorizedBody = `{"title":"Unauthorized","status":401,"detail":"missing or invalid credentials"}`

// Auth requires a valid bearer access token and stores the buyer it was
// issued for in the request context. WebSocket handshakes carry the same
// Authorization header.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := extractBearer(r)
			if tok == "" {
				writeUnauthorized(w)
				return
			}

			buyerID, err := auth.ValidateToken(jwtSecret, tok)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("auth: rejected bearer token")
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithBuyerID(r.Context(), buyerID)))
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(unauthorizedBody))
}
