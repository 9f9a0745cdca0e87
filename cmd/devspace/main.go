package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/devspace/internal/app/migrate"
	"github.com/splax/devspace/internal/docker"
	"github.com/splax/devspace/internal/git"
	httpx "github.com/splax/devspace/internal/http"
	"github.com/splax/devspace/internal/notify"
	"github.com/splax/devspace/internal/repository"
	"github.com/splax/devspace/internal/repository/file"
	"github.com/splax/devspace/internal/repository/postgres"
	"github.com/splax/devspace/internal/service/workspace"
	"github.com/splax/devspace/internal/ws"
	"github.com/splax/devspace/pkg/config"
	"github.com/splax/devspace/pkg/logger"
)

func main() {
	config.LoadEnvFile()
	cfg := config.LoadWorkspaceConfig()
	log := logger.New("devspace", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}
	if err := dockerClient.Health(ctx, cfg.DockerNetwork); err != nil {
		log.Warn("workspace network not ready, creations will fail until it exists", "network", cfg.DockerNetwork, "error", err)
	}

	store, health, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open project store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	gitClient := git.New(git.Config{
		Enabled:       cfg.GitServerEnabled,
		BaseURL:       cfg.GitServerURL,
		Username:      cfg.GitAdminUser,
		Password:      cfg.GitAdminPassword,
		PublicBaseURL: cfg.PublicBaseURL(),
		Timeout:       cfg.GitTimeout,
	})
	if gitClient.Enabled() {
		if gitClient.IsAvailable(ctx) {
			log.Info("git server reachable", "url", cfg.GitServerURL)
		} else {
			log.Warn("git server unreachable, repositories will be skipped until it recovers", "url", cfg.GitServerURL)
		}
	}

	hub := ws.NewHub(log)
	defer hub.Close()

	events := notify.Fanout{hub}
	if cfg.EventWebhookURL != "" {
		hook, err := notify.NewWebhook(notify.WebhookConfig{URL: cfg.EventWebhookURL, Token: cfg.EventWebhookToken}, log)
		if err != nil {
			log.Error("invalid event webhook", "error", err)
			os.Exit(1)
		}
		defer hook.Close()
		events = append(events, hook)
		log.Info("forwarding project events to webhook")
	}

	svc := workspace.New(cfg, workspace.Dependencies{
		Store:      store,
		Runtime:    dockerClient,
		Prober:     docker.NewProber(dockerClient, cfg.ReadinessTimeout, cfg.ReadinessInterval),
		Git:        gitClient,
		Events:     events,
		Logger:     log,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err := svc.Recover(ctx); err != nil {
		log.Error("failed to recover projects", "error", err)
		os.Exit(1)
	}

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

	health["docker"] = func(ctx context.Context) error {
		return dockerClient.Health(ctx, cfg.DockerNetwork)
	}
	public := httpx.PublicConfig{
		GitServerEnabled: cfg.GitServerEnabled,
		ShowDiskUsage:    cfg.ShowDiskUsage,
		BaseDomain:       cfg.BaseDomain,
		BasePort:         strconv.Itoa(cfg.BasePort),
		Protocol:         cfg.Protocol,
	}
	if cfg.GitServerEnabled {
		public.GitServerURL = gitClient.WebURL()
	}
	router := httpx.NewRouter(httpx.Options{
		Logger:        log,
		Service:       svc,
		Hub:           hub,
		Limiter:       limiter,
		JWTSecret:     cfg.JWTSecret,
		DefaultUserID: cfg.DefaultUserID,
		Operators:     cfg.OperatorUserIDs,
		Public:        public,
		Health:        health,
		Registerer:    prometheus.DefaultRegisterer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("devspace server starting", "addr", cfg.Addr, "store", cfg.StoreBackend, "multi_user", cfg.JWTSecret != "")
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("waiting for provisioning tasks")
		svc.Wait()
		log.Info("devspace server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore selects the project store backend. The postgres backend applies
// pending migrations first.
func openStore(ctx context.Context, cfg config.WorkspaceConfig, log *slog.Logger) (repository.ProjectStore, map[string]httpx.HealthCheck, func(), error) {
	health := map[string]httpx.HealthCheck{}
	switch cfg.StoreBackend {
	case "", "file":
		return file.New(cfg.DataFile), health, func() {}, nil
	case "postgres":
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		err = runner.Up(ctx)
		_ = runner.Close()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ping database: %w", err)
		}
		health["database"] = pool.Ping
		return postgres.New(pool), health, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
