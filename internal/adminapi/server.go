package adminapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"percipio/pkg/middleware"
	"percipio/pkg/openapi"
)

// Handler builds the HTTP handler with routes and middleware.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, middleware.RequestID(), middleware.Recover(a.log))
	r.Use(middleware.Tracing("percipio-admin-api", a.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	reg := openapi.NewRegistry()
	for _, op := range operations(a.cfg.AdminScope) {
		reg.Register(op)
	}
	r.Get("/openapi.json", reg.ServeHandler("percipio-admin-api", "1.0.0"))

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(cors(a.origins))
		ar.Use(a.adminAuth)
		ar.Get("/settings", a.getSettings)
		ar.Put("/settings", a.putSettings)
		ar.Get("/settings/token", a.getTokenRecord)
	})

	return r
}

func allowedOrigins() []string {
	allowed := []string{"http://localhost:3001"}
	if v := strings.TrimSpace(os.Getenv("ADMIN_CORS_ORIGINS")); v != "" {
		parts := strings.Split(v, ",")
		tmp := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				tmp = append(tmp, s)
			}
		}
		if len(tmp) > 0 {
			allowed = tmp
		}
	}
	return allowed
}
