package relay

import (
	"net/http"
	"strings"

	"github.com/samber/lo"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS, PUT, PATCH, DELETE"
	corsAllowHeaders = "X-Requested-With, Content-Type, Authorization"
)

// corsMiddleware echoes an allowed Origin with credentials and otherwise
// answers with a wildcard. Preflight requests end here with 200.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := lo.SliceToMap(allowedOrigins, func(origin string) (string, struct{}) {
		return strings.TrimRight(strings.TrimSpace(origin), "/"), struct{}{}
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		if _, ok := allowed[origin]; ok && origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
