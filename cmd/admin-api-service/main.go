package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"percipio/internal/adminapi"
	"percipio/pkg/config"
	pdb "percipio/pkg/db"
	"percipio/pkg/logger"
	"percipio/pkg/settings"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "admin-api")
	defer log.Sync()

	pool := pdb.MustConnect(cfg, log)
	rdb := pdb.MustRedis(cfg, log)
	store, err := settings.Open(context.Background(), cfg, pool, rdb, log)
	if err != nil {
		log.Fatalf("settings: %v", err)
	}

	app := adminapi.New(log, store, cfg)
	srv := &http.Server{Addr: cfg.AdminAddr, Handler: app.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("admin-api listening at %s", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
