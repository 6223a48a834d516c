package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bullyto/maps/internal/api"
	"github.com/bullyto/maps/internal/buildinfo"
	"github.com/bullyto/maps/internal/config"
	"github.com/bullyto/maps/internal/logging"
	"github.com/bullyto/maps/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("maps-api", "info").Error("config", logging.Err(err))
		os.Exit(1)
	}
	log := logging.New("maps-api", cfg.LogLevel)
	metrics.RegisterDefault()

	srv, err := api.NewServer(cfg, api.WithLogger(log))
	if err != nil {
		log.Error("failed to init server", logging.Err(err))
		os.Exit(1)
	}
	defer func() { _ = srv.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shCtx); err != nil {
			log.Warn("shutdown", logging.Err(err))
		}
	}()

	log.Info("API listening", "addr", cfg.Addr(), "version", buildinfo.Version, "auth_mode", cfg.Auth.Mode)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", logging.Err(err))
		os.Exit(1)
	}
	log.Info("API stopped")
}
