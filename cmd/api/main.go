package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	httpx "github.com/splax/deployments/internal/http"
	"github.com/splax/deployments/internal/service/deployment"
	"github.com/splax/deployments/internal/ws"
	"github.com/splax/deployments/pkg/config"
	"github.com/splax/deployments/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogFormat, logger.ParseLevel(cfg.LogLevel))
	log.Info("starting application",
		"app", cfg.AppName,
		"environment", cfg.Environment,
		"log_level", strings.ToUpper(cfg.LogLevel),
		"store", cfg.StoreBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.close()

	hub := ws.NewHub()
	defer hub.Close()

	svc := deployment.New(st.repo, hub, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}
	if cfg.JWTSecret == "" {
		log.Warn("AUTH_JWT_SECRET not set; mutating routes are unauthenticated")
	}

	router := httpx.NewRouter(log, svc, hub, limiter, httpx.Config{
		JWTSecret:   cfg.JWTSecret,
		ReadLimit:   cfg.RateLimitRead,
		WriteLimit:  cfg.RateLimitWrite,
		StoreHealth: st.health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
