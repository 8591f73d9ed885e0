// Package main is the entrypoint for the clausewatch API server and its
// job workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/clausewatch/internal/ai"
	"github.com/kiranshivaraju/clausewatch/internal/api"
	"github.com/kiranshivaraju/clausewatch/internal/api/handler"
	mw "github.com/kiranshivaraju/clausewatch/internal/api/middleware"
	"github.com/kiranshivaraju/clausewatch/internal/api/response"
	"github.com/kiranshivaraju/clausewatch/internal/artifact"
	"github.com/kiranshivaraju/clausewatch/internal/cache"
	"github.com/kiranshivaraju/clausewatch/internal/config"
	"github.com/kiranshivaraju/clausewatch/internal/content"
	"github.com/kiranshivaraju/clausewatch/internal/detect"
	"github.com/kiranshivaraju/clausewatch/internal/dispatch"
	"github.com/kiranshivaraju/clausewatch/internal/lock"
	"github.com/kiranshivaraju/clausewatch/internal/metrics"
	"github.com/kiranshivaraju/clausewatch/internal/pipeline"
	"github.com/kiranshivaraju/clausewatch/internal/purge"
	"github.com/kiranshivaraju/clausewatch/internal/queue"
	"github.com/kiranshivaraju/clausewatch/internal/status"
	"github.com/kiranshivaraju/clausewatch/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"content_backend", cfg.Content.Backend,
		"lock_mode", cfg.Engine.LockMode,
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 4. Redis backs the cache layer, job statuses, locks and rate limits
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Content store
	contentStore, err := newContentStore(ctx, cfg.Content)
	if err != nil {
		return fmt.Errorf("create content store: %w", err)
	}
	slog.Info("content store ready", "backend", cfg.Content.Backend)

	// 6. Language model
	model, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	aiService := ai.NewService(model, ai.Options{
		InferenceTimeout: cfg.AI.InferenceTimeout,
		PollInterval:     cfg.AI.AssetPollInterval,
		MaxPolls:         cfg.AI.AssetMaxPolls,
	})
	slog.Info("AI provider initialized", "provider", model.Name())

	// 7. Work queue
	q, closeQueue, err := newQueue(cfg.Queue)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer closeQueue()

	// 8. Orchestration core
	sweeper := purge.NewSweeper(redisCache, contentStore, cfg.Engine.PurgeMinInterval)
	dispatcher := dispatch.New(dispatch.Deps{
		Status: status.NewStore(redisCache, cfg.Engine.StatusTTL),
		Queue:  q,
		Locker: lock.NewLocker(lock.NewRedisBackend(redisCache.Client()), lock.Config{
			Mode:         lock.Mode(cfg.Engine.LockMode),
			Lease:        cfg.Engine.LockLease,
			PollInterval: cfg.Engine.LockPollInterval,
		}),
		Content:   contentStore,
		Pipeline:  pipeline.New(aiService, contentStore),
		Engine:    detect.NewEngine(aiService, cfg.Engine.DetectionRounds),
		Documents: artifact.NewDocuments(redisCache),
		Issues:    artifact.NewIssues(redisCache),
		History:   pgStore,
		Purge:     sweeper,
	})

	// 9. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimit),

		HealthHandler:    healthHandler(pgStore, redisCache),
		MetricsHandler:   metrics.Handler(),
		SubmitTask:       handler.NewSubmitTaskHandler(dispatcher),
		PollTask:         handler.NewPollTaskHandler(dispatcher),
		ListJobs:         handler.NewListJobsHandler(pgStore),
		GetJob:           handler.NewGetJobHandler(pgStore),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 10. Run workers, the purge sweeper and the HTTP server until a signal
	// arrives or one of them fails. Jobs interrupted by shutdown stay
	// queued and are redelivered.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Run(gctx, dispatcher.Handle)
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newContentStore builds the content backend selected by config.
func newContentStore(ctx context.Context, cfg config.ContentConfig) (content.Store, error) {
	switch cfg.Backend {
	case "http":
		return content.NewHTTPClient(cfg.BaseURL, cfg.Token, cfg.Timeout), nil
	case "minio":
		return content.NewMinIOStore(ctx, content.MinIOConfig{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKey,
			SecretAccessKey: cfg.MinIO.SecretKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
		})
	case "memory":
		slog.Warn("using in-memory content store; data is lost on restart")
		return content.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
}

// newQueue connects to JetStream, or falls back to an in-process queue when
// no NATS URL is configured.
func newQueue(cfg config.QueueConfig) (queue.Queue, func(), error) {
	if cfg.NATSURL == "" {
		slog.Warn("NATS_URL not set; running jobs on an in-process queue")
		return queue.NewMemoryQueue(cfg.Workers, cfg.MaxDeliver), func() {}, nil
	}

	nc, err := queue.Connect(cfg.NATSURL, "clausewatch")
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.NewNATSQueue(nc, queue.NATSConfig{
		Stream:     cfg.Stream,
		Subject:    cfg.Subject,
		Durable:    cfg.Durable,
		Workers:    cfg.Workers,
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	slog.Info("NATS connected", "url", cfg.NATSURL, "stream", cfg.Stream)
	return q, func() {
		if err := nc.Drain(); err != nil {
			slog.Warn("NATS drain", "error", err)
		}
	}, nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
