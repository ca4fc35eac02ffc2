package adminapi

import (
	"net/http"
	"strings"

	"percipio/pkg/middleware"
)

// cors returns a middleware that sets CORS headers and handles preflight requests.
// allowed may contain exact origins (e.g., http://localhost:3001) or "*" to allow all.
func cors(allowed []string) func(http.Handler) http.Handler {
	match := func(origin string) (string, bool) {
		if origin == "" {
			return "", false
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || a == origin {
				return a, true
			}
		}
		return "", false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if ao, ok := match(origin); ok {
				w.Header().Set("Access-Control-Allow-Origin", ao)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,PUT,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuth requires a verified bearer token carrying the admin scope. In dev,
// with no issuer configured, requests pass through unauthenticated.
func (a *App) adminAuth(next http.Handler) http.Handler {
	if !a.verifier.Configured() && a.cfg.IsDev() {
		return next
	}
	cfg := a.cfg
	// Learner header identity has no meaning here.
	cfg.Env, cfg.TrustLearnerHeaders = "prod", false
	return middleware.Authenticate(cfg, a.verifier)(middleware.RequireScope(a.cfg.AdminScope)(next))
}
