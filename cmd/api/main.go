package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cygni/cloudexpress/internal/auth"
	"github.com/cygni/cloudexpress/internal/config"
	"github.com/cygni/cloudexpress/internal/deployer"
	"github.com/cygni/cloudexpress/internal/events"
	"github.com/cygni/cloudexpress/internal/httpx"
	"github.com/cygni/cloudexpress/internal/logger"
	"github.com/cygni/cloudexpress/internal/migrate"
	"github.com/cygni/cloudexpress/internal/orchestrator"
	"github.com/cygni/cloudexpress/internal/queue"
	"github.com/cygni/cloudexpress/internal/store/postgres"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := events.NewHub(log, cfg.EventBuffer)
	defer hub.Shutdown()

	queueSvc := queue.New(repo, hub, log, queue.Options{
		DefaultBranch:     cfg.DefaultBranch,
		DefaultDockerfile: cfg.DefaultDockerfile,
		RetryAttempts:     cfg.StoreRetryAttempts,
	})

	orch := orchestrator.NewHTTPClient(cfg.OrchestratorURL, cfg.OrchestratorToken, cfg.OrchestratorWait)
	deploySvc := deployer.New(repo, repo, orch, hub, log, deployer.Options{
		RolloutTimeout:     cfg.RolloutTimeout,
		HealthPollInterval: cfg.HealthPollInterval,
	})
	go deploySvc.Run(ctx)

	authSvc := auth.New(repo, cfg.ServiceTokenSecret)
	var authorizer auth.Authorizer = auth.AllowAll{}
	if url := strings.TrimSpace(cfg.AuthServiceURL); url != "" && cfg.Environment != "development" {
		authorizer = auth.NewHTTPAuthorizer(url, cfg.AuthTimeout)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, authorizer, queueSvc, deploySvc, repo, hub, limiter, pool.Ping)
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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
