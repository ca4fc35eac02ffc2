// cmd/launch-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"percipio/internal/launch"
	"percipio/pkg/config"
	"percipio/pkg/db"
	"percipio/pkg/logger"
	"percipio/pkg/middleware"
	"percipio/pkg/openapi"
	"percipio/pkg/percipio"
	"percipio/pkg/settings"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "launch-service")
	defer log.Sync()

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	store, err := settings.Open(context.Background(), cfg, pool, rdb, log)
	if err != nil {
		log.Fatalw("settings", "err", err)
	}

	client := percipio.NewClient(
		percipio.WithHTTPClient(percipio.NewHTTPClient(cfg.ConnectTimeout)),
		percipio.WithStore(store),
		percipio.WithLogger(log),
	)
	if err := client.Restore(context.Background()); err != nil {
		log.Warnw("restore oauth token", "err", err)
	}
	svc := launch.NewService(store, client, cfg.LMSBaseURL, log)

	reg := openapi.NewRegistry()
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("percipio-launch", log))
	// Learner identity: verified JWT, or X-Learner-* headers in dev / behind a trusted proxy
	r.Use(middleware.Authenticate(cfg, middleware.NewVerifier(cfg)))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/openapi.json", reg.ServeHandler("percipio-launch", "1.0.0"))
	launch.Register(r, svc, reg, log)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("launch-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if pool != nil {
		pool.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	fmt.Println("launch-service stopped")
}
