package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	zlog "github.com/rs/zerolog/log"
)

// bearerAuth rejects requests without "Authorization: Bearer <token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := extractToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				zlog.Warn().Msgf("httpapi: unauthorized request: remote=%s path=%s", r.RemoteAddr, r.URL.Path)
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
