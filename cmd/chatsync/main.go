package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/app/conversations"
	"chatsync/internal/app/docstore"
	appoutbox "chatsync/internal/app/outbox"
	"chatsync/internal/app/presence"
	"chatsync/internal/app/profiles"
	"chatsync/internal/app/session"
	"chatsync/internal/domain/chat"
	"chatsync/internal/infra/broker/kafka"
	rediscache "chatsync/internal/infra/cache/redis"
	"chatsync/internal/infra/config"
	mongostore "chatsync/internal/infra/db/mongo"
	ginserver "chatsync/internal/infra/http/gin"
	"chatsync/internal/infra/obs"
	infraoutbox "chatsync/internal/infra/outbox"
	"chatsync/internal/infra/storage/memory"
	"chatsync/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := getenv("APP_ENV", "dev")
	logger := obs.NewLogger(env)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		if env != "dev" && env != "local" {
			logger.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		logger.Warn("using fallback configuration", "error", err)
		cfg = config.Defaults()
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close(logger)

	if err := app.loadUserFixtures(ctx, getenv("USERS_FIXTURES", ""), logger); err != nil {
		logger.Warn("user fixtures load failed", "error", err)
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := app.worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox worker stopped", "error", err)
		}
	}()

	go func() {
		if err := app.sessions.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session eviction stopped", "error", err)
		}
	}()

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Checks: app.checks}, app.handlers)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.sessions.Close(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}

type application struct {
	store    docstore.Store
	sessions *session.Registry
	handlers ginserver.Handlers
	worker   *infraoutbox.Worker
	checks   map[string]obs.Check
	closers  []func(context.Context) error
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{checks: map[string]obs.Check{}}

	var box interface {
		appoutbox.Outbox
		infraoutbox.Queue
	}
	switch cfg.StoreDriver {
	case config.StoreMongo:
		client, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		app.checks["mongo"] = client.Ping
		store := mongostore.NewDocStore(client.DB, logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		outboxStore, err := infraoutbox.NewStore(ctx, client.DB)
		if err != nil {
			return nil, fmt.Errorf("outbox store: %w", err)
		}
		app.store, box = store, outboxStore
	default:
		app.store, box = memory.NewDocStore(), memory.NewOutbox(nil)
	}

	var producer infraoutbox.Producer = infraoutbox.LogProducer{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		p, err := kafka.NewProducer(cfg.KafkaBrokers, nil)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func(context.Context) error { return p.Close() })
		producer = p
	}
	app.worker = &infraoutbox.Worker{
		Queue:       box,
		Producer:    producer,
		Interval:    cfg.OutboxPollInterval,
		TopicPrefix: cfg.KafkaTopicPrefix,
		Backoff:     cfg.RetryBackoff,
		ID:          "chatsync-" + uuid.NewString(),
		Logger:      logger,
	}

	var directory profiles.Directory = profiles.StoreDirectory{Store: app.store}
	if cfg.RedisAddr != "" {
		client := rediscache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		app.closers = append(app.closers, func(context.Context) error { return client.Close() })
		app.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		directory = profiles.CachedDirectory{
			Source: directory,
			Cache:  rediscache.NewProfileCache(client, cfg.ProfileCacheTTL),
			Logger: logger,
		}
	}

	deps := session.Deps{
		Conversations: conversations.NewRepository(app.store, conversations.WithLogger(logger)),
		Presence:      presence.NewRepository(app.store, nil, logger),
		Profiles:      directory,
		Notifier:      appoutbox.Notifier{Outbox: box, Logger: logger},
		Logger:        logger,
	}
	if cfg.S3Endpoint != "" {
		uploader, err := s3.NewClient(s3.Config{
			Endpoint:       cfg.S3Endpoint,
			PublicEndpoint: cfg.S3PublicEndpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Bucket:         cfg.S3Bucket,
			UseSSL:         cfg.S3UseSSL,
		}, logger)
		if err != nil {
			return nil, err
		}
		deps.Uploader = uploader
	}

	app.sessions = session.NewRegistry(deps, session.Options{
		PageSize:          cfg.MessagesPageSize,
		ListFallbackAfter: cfg.ListFallbackAfter,
		ListGiveUpAfter:   cfg.ListGiveUpAfter,
		IdleTimeout:       cfg.SessionIdleTimeout,
		Features: session.Features{
			Presence:      cfg.Features.Presence,
			Typing:        cfg.Features.Typing,
			PullToRefresh: cfg.Features.PullToRefresh,
		},
	})

	chatHandler := &ginserver.ChatHandler{Sessions: app.sessions, Logger: logger}
	stream := ginserver.NewStateStream(*chatHandler, cfg.AllowedOrigins)
	app.handlers = ginserver.Handlers{
		Chat:   chatHandler,
		Stream: &stream,
		AuthMiddleware: ginserver.AuthMiddleware{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
			Logger: logger,
		}.Handle,
	}
	logger.Info("application wired",
		"store", cfg.StoreDriver,
		"kafka", len(cfg.KafkaBrokers) > 0,
		"redis", cfg.RedisAddr != "",
		"uploads", deps.Uploader != nil,
		"presence", cfg.Features.Presence,
		"typing", cfg.Features.Typing,
		"pull_to_refresh", cfg.Features.PullToRefresh,
	)
	return app, nil
}

func (a *application) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

// loadUserFixtures seeds the users collection from a JSON array of profiles.
func (a *application) loadUserFixtures(ctx context.Context, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("user fixtures file not found, skipping", "path", path)
			return nil
		}
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fixtures []chat.UserProfile
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for _, p := range fixtures {
		if p.UID == "" {
			logger.Warn("user fixture without uid skipped")
			continue
		}
		if err := profiles.SaveProfile(ctx, a.store, p); err != nil {
			logger.Error("cannot store user fixture", "user_id", p.UID, "error", err)
			continue
		}
	}
	logger.Info("user fixtures imported", "count", len(fixtures))
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
