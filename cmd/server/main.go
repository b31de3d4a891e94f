package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"novel-stream/internal/config"
	"novel-stream/internal/database/migration"
	"novel-stream/internal/engine"
	"novel-stream/internal/engine/ai"
	"novel-stream/internal/handler"
	"novel-stream/internal/logger"
	"novel-stream/internal/messaging"
	"novel-stream/internal/repository"
	"novel-stream/internal/server"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	maxRetries = 20
	retryDelay = 3 * time.Second
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadServerConfig(".env")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Encoding:   cfg.Log.Encoding,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	log.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("engineMode", cfg.Engine.Mode),
		zap.String("aiProvider", cfg.AI.Provider),
		zap.String("store", cfg.Store.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Story graph store ---
	repo, closeStore, err := setupStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize story store", zap.Error(err))
	}
	defer closeStore()

	// --- Lifecycle events ---
	publisher, closeBroker, err := setupPublisher(ctx, cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal("Failed to initialize lifecycle publisher", zap.Error(err))
	}
	defer closeBroker()
	defer func() { _ = publisher.Close() }()

	// --- AI client ---
	counter := ai.NewTokenCounter(cfg.AI.Model)
	aiClient, err := ai.NewClient(cfg.AI, counter, log)
	if err != nil {
		log.Fatal("Failed to create AI client", zap.Error(err))
	}

	eng := engine.New(repo, aiClient, counter, publisher, engine.NewConfig(cfg.Engine, cfg.AI), log)

	// --- WebSocket + HTTP ---
	wsLogger := logger.NewZerolog(cfg.Log.Level, os.Stdout)
	manager := handler.NewConnectionManager(wsLogger)
	wsHandler := handler.NewWebSocketHandler(manager, eng, cfg.WS, cfg.HTTP.AllowedOrigins, wsLogger)

	router := server.NewRouter(server.Deps{
		Env:            cfg.Env,
		Logger:         log,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		WebSocket:      wsHandler.ServeWS,
		Connections:    manager.Count,
		Metrics:        true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP Server forced to shutdown", zap.Error(err))
	}
	// Захваченные WebSocket соединения Shutdown не закрывает
	manager.Shutdown()

	log.Info("Server exiting")
}

// setupStore создает хранилище графа истории выбранного типа.
func setupStore(ctx context.Context, cfg *config.ServerConfig, log *zap.Logger) (repository.StoryGraphRepository, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client, err := setupRedis(ctx, cfg.Redis, log)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisRepository(client, cfg.Store.TTL, log), func() { _ = client.Close() }, nil

	case config.StorePostgres:
		pool, err := setupPostgres(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.MigrationsRun {
			if err := migration.NewMigrator(migration.DefaultConfig(), pool, log).Up(); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
		}
		return repository.NewPgRepository(pool, log), pool.Close, nil

	default:
		log.Info("Using in-memory story store")
		return repository.NewMemoryRepository(), func() {}, nil
	}
}

// setupPostgres создает пул соединений PostgreSQL с повторными попытками.
func setupPostgres(ctx context.Context, cfg config.PostgresConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnIdleTime = cfg.IdleTimeout

	log.Info("Attempting to connect to PostgreSQL",
		zap.String("dsn", cfg.MaskedDSN()), zap.Int("max_retries", maxRetries), zap.Duration("retry_delay", retryDelay))

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
		if err == nil {
			err = pool.Ping(connectCtx)
			if err != nil {
				pool.Close()
			}
		}
		connectCancel()

		if err == nil {
			log.Info("Successfully connected and pinged PostgreSQL", zap.Int("attempt", attempt))
			return pool, nil
		}
		lastErr = err
		log.Warn("PostgreSQL connection failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, retryDelay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", maxRetries, lastErr)
}

// setupRedis создает клиент Redis и ждет успешного PING.
func setupRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log.Info("Attempting to connect and ping Redis", zap.String("address", cfg.Addr), zap.Int("db", cfg.DB))

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			log.Info("Successfully connected and pinged Redis", zap.Int("attempt", attempt))
			return client, nil
		}
		lastErr = err
		log.Warn("Redis ping failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, retryDelay); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", maxRetries, lastErr)
}

// setupPublisher подключается к RabbitMQ, если указан URL, иначе события не публикуются.
func setupPublisher(ctx context.Context, cfg config.RabbitMQConfig, log *zap.Logger) (messaging.Publisher, func(), error) {
	if cfg.URL == "" {
		log.Info("RABBITMQ_URL is empty, lifecycle events are disabled")
		return messaging.NoopPublisher{}, func() {}, nil
	}
	conn, err := connectRabbitMQ(ctx, cfg.URL, log)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := messaging.NewRabbitMQPublisher(conn, cfg.Exchange, log)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return publisher, func() { _ = conn.Close() }, nil
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками.
func connectRabbitMQ(ctx context.Context, rawURL string, log *zap.Logger) (*amqp091.Connection, error) {
	log.Info("Attempting to connect to RabbitMQ", zap.String("url", maskURL(rawURL)), zap.Int("max_retries", maxRetries))

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err := amqp091.Dial(rawURL)
		if err == nil {
			log.Info("Successfully connected to RabbitMQ", zap.Int("attempt", attempt))
			go func() {
				notifyClose := conn.NotifyClose(make(chan *amqp091.Error, 1))
				if err := <-notifyClose; err != nil {
					log.Error("RabbitMQ connection closed unexpectedly", zap.Error(err))
				}
			}()
			return conn, nil
		}
		lastErr = err
		log.Warn("RabbitMQ connection failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, retryDelay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", maxRetries, lastErr)
}

func maskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
