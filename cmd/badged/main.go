package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/go-badge-sync/internal/application/badge"
	"github.com/go-badge-sync/internal/config"
	"github.com/go-badge-sync/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-badge-sync/internal/infrastructure/jwt"
	s3infra "github.com/go-badge-sync/internal/infrastructure/s3"
	"github.com/go-badge-sync/internal/infrastructure/sns"
	"github.com/go-badge-sync/internal/infrastructure/sqlite"
	transporthttp "github.com/go-badge-sync/internal/transport/http"
	appmiddleware "github.com/go-badge-sync/internal/transport/http/middleware"
	"github.com/go-badge-sync/internal/transport/push"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, reading from environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("badged stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.AppEnv == "development" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("user_id", cfg.UserID)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap the notifications table (creates it if it doesn't exist).
	dynamoClient, err := dynamo.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	dynamo.Bootstrap(ctx, dynamoClient, cfg.DynamoTables)
	repo := dynamo.NewNotificationRepo(dynamoClient, cfg.DynamoTables.Notifications, cfg.UserID, cfg.SnapshotPageSize)

	outbox, err := sqlite.Open(cfg.OutboxPath)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer outbox.Close()

	acker := badge.NewAcker(repo,
		badge.WithOutbox(outbox),
		badge.WithPersistTimeout(cfg.Sync.PersistTimeout),
		badge.WithAckerLogger(logger.With("component", "acker")),
	)
	engine := badge.NewEngine(badge.NewHub(logger.With("component", "hub")),
		badge.WithLogger(logger.With("component", "engine")),
		badge.WithMarkReadQueue(acker),
	)

	// Background workers run until shutdown; they stop after the HTTP server.
	workCtx, cancelWork := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(workCtx)
		}()
	}
	defer func() {
		cancelWork()
		wg.Wait()
	}()

	// S3 checkpoint (optional): restores the last known count while the first snapshot loads.
	if cfg.S3BucketName != "" {
		s3Client, err := s3infra.NewClient(ctx, cfg)
		if err != nil {
			return err
		}
		cp := badge.NewCheckpointer(s3infra.NewCheckpointStore(s3Client, cfg.S3BucketName, cfg.UserID),
			cfg.CheckpointInterval, logger.With("component", "checkpoint"))
		cp.Restore(ctx, engine)
		engine.Subscribe(cp.Observe)
		spawn(cp.Run)
	} else {
		logger.Warn("S3_BUCKET_NAME not set, badge checkpoints disabled")
	}

	// SNS alerts on degraded/recovered (optional).
	if cfg.SNSAlertTopicARN != "" {
		snsClient, err := sns.NewClient(ctx, cfg)
		if err != nil {
			return err
		}
		alerter := sns.NewAlerter(snsClient, cfg.SNSAlertTopicARN, cfg.UserID, logger.With("component", "alerter"))
		engine.Subscribe(alerter.Observe)
		spawn(alerter.Run)
	}

	spawn(func(ctx context.Context) { acker.Run(ctx, engine) })

	channel := push.NewClient(cfg.PushURL,
		push.WithToken(cfg.PushToken),
		push.WithGapless(cfg.PushGapless),
		push.WithLogger(logger.With("component", "push")),
	)
	supervisor := badge.NewSupervisor(engine, channel, repo, badge.SupervisorConfig{
		GapThreshold:   cfg.Sync.GapThreshold,
		ResyncInterval: cfg.Sync.ResyncInterval,
		MaxAttempts:    cfg.Sync.SnapshotMaxAttempts,
		Backoff:        cfg.Sync.SnapshotBackoff,
		FetchTimeout:   cfg.Sync.SnapshotFetchTimeout,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.Sync.SnapshotRatePerMinute/60), cfg.Sync.SnapshotBurst),
	},
		badge.WithAckControl(acker),
		badge.WithSupervisorLogger(logger.With("component", "supervisor")),
	)
	if err := supervisor.Start(workCtx); err != nil {
		return err
	}
	defer supervisor.Stop()

	// JWT verifier (optional in development only).
	deps := &transporthttp.Deps{Badge: engine, Resyncer: supervisor}
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		deps.Verifier = p
	} else if cfg.AppEnv != "development" {
		return fmt.Errorf("jwt provider: %w", err)
	} else {
		logger.Warn("JWT provider not available, serving without auth", "err", err)
	}

	// 5 requests/second, burst of 10 per client on mutating routes.
	limiter := appmiddleware.NewRateLimiter(rate.Limit(5), 10)
	defer limiter.Close()
	deps.WriteLimiter = limiter

	// Badge streams never finish on their own; cancel them when shutdown begins.
	reqCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      transporthttp.NewRouter(cfg, deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return reqCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
