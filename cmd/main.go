/**
 * @description
 * This is the main entry point for the transfer-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, builds the lock store, the ledger
 * repository and the application services, then starts the job scheduler and the
 * HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Lock store and balance cache.
 * - go.uber.org/zap: Structured logging.
 * - internal/api, internal/app, internal/config, internal/lock, internal/store: Internal packages.
 * - pkg/rabbitmq: Transfer status events.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-service/internal/api"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/cache"
	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/lock"
	"github.com/transfa/transfer-service/internal/store"
	rmrabbit "github.com/transfa/transfer-service/pkg/rabbitmq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	bootLogger, _ := zap.NewProduction()
	zap.ReplaceGlobals(bootLogger)

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootLogger.Fatal("config load failed", zap.String("component", "bootstrap"), zap.Error(err))
	}

	logger, err := newLogger(cfg)
	if err != nil {
		bootLogger.Fatal("logger init failed", zap.String("component", "bootstrap"), zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := logger.With(zap.String("component", "bootstrap"))
	log.Info("starting transfer-service", zap.String("port", cfg.ServerPort))

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL, logger); err != nil {
			log.Fatal("database migration failed", zap.Error(err))
		}
	}

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	log.Info("database connected")

	// Redis backs the transfer locks, so it is required.
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("redis url parse failed", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOptions)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed; transfers will fail until it recovers", zap.Error(err))
	} else {
		log.Info("redis connected")
	}
	cancelPing()

	// Transfer status events are best effort.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL == "" {
		log.Warn("rabbitmq url missing; transfer events will only be logged", zap.String("env", "RABBITMQ_URL"))
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.TransferEventsExchange, logger); err != nil {
		log.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
	} else {
		publisher = producer
		log.Info("rabbitmq producer connected", zap.String("exchange", cfg.TransferEventsExchange))
	}
	defer publisher.Close()

	lockStore := lock.NewRedisStore(redisClient, lock.RedisStoreConfig{
		OpTimeout:           cfg.LockAcquireTimeout(),
		ConsecutiveFailures: cfg.BreakerConsecutiveFailures,
		OpenTimeout:         cfg.BreakerOpenTimeout(),
	}, logger)
	locker := lock.NewPairLocker(lockStore, cfg.LockKeyPrefix, logger)
	balances := cache.NewRedisBalanceCache(redisClient, cfg.BalanceCachePrefix, cfg.BalanceCacheTTL())
	repository := store.NewPostgresRepository(dbpool)

	transferService := app.NewTransferService(repository, locker, app.TransferConfig{
		LockTTL:        cfg.LockTTL(),
		DrainBatchSize: cfg.DrainBatchSize,
	}, logger)
	transferService.SetBalanceCache(balances)
	transferService.SetPublisher(publisher)

	accountService := app.NewAccountService(repository, balances, logger)
	interestJob := app.NewInterestJob(repository, cfg.InterestPolicy(), cfg.InterestEnabled, balances, logger)

	scheduler := app.NewScheduler(transferService, interestJob, app.ScheduleConfig{
		DrainInterval:    cfg.DrainInterval(),
		InterestInterval: cfg.InterestInterval(),
		JobTimeout:       cfg.JobTimeout(),
	}, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatal("scheduler start failed", zap.Error(err))
	}
	log.Info("scheduler started")

	handlers := api.NewHandlers(transferService, accountService, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.Routes(handlers, cfg.InternalAPIKey, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}

	select {
	case <-scheduler.Stop().Done():
		log.Info("scheduler stopped")
	case <-ctx.Done():
		log.Warn("scheduler did not stop before the shutdown deadline")
	}

	log.Info("shutdown complete")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
