package adminapi

import (
	"go.uber.org/zap"

	"percipio/pkg/config"
	"percipio/pkg/middleware"
	"percipio/pkg/settings"
)

// App is the admin-api application container.
// Handlers and middleware have methods on this type.
//
// Keep it lean: shared deps and config only.
// Request-scoped work should use context.
type App struct {
	log      *zap.SugaredLogger
	store    settings.Store
	verifier *middleware.Verifier
	cfg      config.Config
	origins  []string
}

// New constructs App. Admin callers are verified against the same OIDC issuer
// as learners and must carry cfg.AdminScope.
func New(log *zap.SugaredLogger, store settings.Store, cfg config.Config) *App {
	app := &App{
		log:      log,
		store:    store,
		verifier: middleware.NewVerifier(cfg),
		cfg:      cfg,
		origins:  allowedOrigins(),
	}
	if !app.verifier.Configured() {
		if cfg.IsDev() {
			log.Warnw("admin auth disabled: OIDC_ISSUER/JWKS_URL not set (dev)")
		} else {
			log.Warnw("admin auth not configured: every admin request will be rejected")
		}
	}
	return app
}
