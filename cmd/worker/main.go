package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cygni/cloudexpress/internal/auth"
	"github.com/cygni/cloudexpress/internal/builder/docker"
	"github.com/cygni/cloudexpress/internal/config"
	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/events"
	"github.com/cygni/cloudexpress/internal/logger"
	"github.com/cygni/cloudexpress/internal/queue"
	"github.com/cygni/cloudexpress/internal/store/postgres"
	"github.com/cygni/cloudexpress/internal/worker"
	workerhttp "github.com/cygni/cloudexpress/internal/worker/httpx"
)

// meteredPublisher counts stall events on their way to the API.
type meteredPublisher struct {
	inner   queue.Publisher
	metrics *worker.Metrics
}

func (p meteredPublisher) Publish(ev domain.Event) {
	if ev.Type == domain.EventJobStalled {
		p.metrics.IncStalled()
	}
	p.inner.Publish(ev)
}

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	repo := postgres.New(pool)

	dockerBuilder, err := docker.New(docker.Config{
		Host:             cfg.DockerHost,
		Registry:         cfg.Registry,
		RegistryUsername: cfg.RegistryUsername,
		RegistryPassword: cfg.RegistryPassword,
		CloneTimeout:     cfg.GitTimeout,
	}, cfg.Workdir, log)
	if err != nil {
		log.Error("failed to create docker builder", "error", err)
		os.Exit(1)
	}
	defer dockerBuilder.Close()
	if err := dockerBuilder.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	token, err := auth.New(repo, cfg.ServiceTokenSecret).IssueServiceToken("worker", cfg.ServiceTokenTTL)
	if err != nil {
		log.Error("failed to issue service token", "error", err)
		os.Exit(1)
	}
	metrics := worker.NewMetrics()
	publisher := meteredPublisher{
		inner:   events.NewForwarder(cfg.APIBaseURL, token, log),
		metrics: metrics,
	}

	queueSvc := queue.New(repo, publisher, log, queue.Options{
		LeaseDuration:   cfg.LeaseDuration,
		DequeuePoll:     cfg.DequeuePoll,
		MaxStallRetries: cfg.MaxStallRetries,
		SweepInterval:   cfg.StallSweepInterval,
		RetryAttempts:   cfg.StoreRetryAttempts,
	})
	go queueSvc.RunReaper(ctx)
	go reportQueueDepth(ctx, repo, metrics, cfg.StallSweepInterval, log)

	workerPool := worker.NewPool("worker", func(id string) *worker.Worker {
		return worker.New(id, queueSvc, repo, repo, dockerBuilder, publisher, metrics, log, worker.Options{
			LeaseDuration:     cfg.LeaseDuration,
			HeartbeatInterval: cfg.HeartbeatInterval,
			BuildTimeout:      cfg.BuildTimeout,
		})
	}, log, worker.PoolOptions{
		Concurrency:      cfg.Concurrency,
		DrainGracePeriod: cfg.DrainGracePeriod,
	})
	workerPool.Start(ctx)

	router := workerhttp.New("worker", dockerBuilder, workerPool, log)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		workerPool.Drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("worker stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// reportQueueDepth keeps the pending-jobs gauge current.
func reportQueueDepth(ctx context.Context, repo *postgres.Repository, metrics *worker.Metrics, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := repo.CountJobsByStatus(ctx, domain.JobPending)
			if err != nil {
				log.Warn("queue depth probe failed", "error", err)
				continue
			}
			metrics.SetQueueDepth(depth)
		}
	}
}
