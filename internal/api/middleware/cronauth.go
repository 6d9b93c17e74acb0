package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// CronSecret guards the scheduler trigger endpoints with a shared bearer
// secret. An empty configured secret disables the endpoints entirely
// rather than leaving them open.
func CronSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				respondUnauthorized(w, "Cron endpoints are disabled: CRON_SECRET is not set.")
				return
			}
			candidate := bearerToken(r)
			if candidate == "" {
				respondUnauthorized(w, "Cron secret required. Set Authorization: Bearer <secret>.")
				return
			}
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
				log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).
					Msg("Cron trigger rejected: bad secret")
				respondUnauthorized(w, "Invalid cron secret.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="permitsight"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
