/**
 * @description
 * This is the main entry point for the payroll-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, external API clients, message brokers, repositories,
 * the core application service, the background scheduler, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for the run execution lease.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/githubclient, pkg/ledgerclient, pkg/pricefeed, pkg/casclient: Upstream clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/forgepay/payroll-service/internal/api"
	"github.com/forgepay/payroll-service/internal/app"
	"github.com/forgepay/payroll-service/internal/config"
	"github.com/forgepay/payroll-service/internal/store"
	"github.com/forgepay/payroll-service/pkg/casclient"
	"github.com/forgepay/payroll-service/pkg/githubclient"
	"github.com/forgepay/payroll-service/pkg/ledgerclient"
	"github.com/forgepay/payroll-service/pkg/pricefeed"
	"github.com/forgepay/payroll-service/pkg/rabbitmq"
)

func main() {
	// Load environment variables from .env when present; real deployments
	// inject them directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting payroll-service", "port", cfg.ServerPort, "asset", cfg.AssetSymbol)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	// Redis backs the run execution lease. The service still runs without
	// it; the payout-level conditional claims remain the hard guarantee.
	var runLocker app.RunLocker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; run lease disabled", "error", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed; run lease disabled", "error", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				runLocker = app.NewRedisRunLocker(redisClient, cfg.RedisLockPrefix)
				logger.Info("redis connected")
			}
		}
	} else {
		logger.Warn("redis url missing; run lease disabled", "env", "REDIS_URL")
	}

	// The producer publishes run commands and lifecycle events. A broker
	// outage degrades to the no-op fallback; runs then execute inline.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		producer = eventProducer
		defer eventProducer.Close()
		logger.Info("rabbitmq producer connected")
	}

	// Upstream clients.
	sourceClient := githubclient.NewClient(cfg.GitHubAPIBaseURL, cfg.GitHubToken)
	gatewayClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)
	priceProvider := pricefeed.NewProvider(cfg.PriceFeedProvider, cfg.PriceFeedBaseURL)
	contentStore := casclient.NewClient(cfg.IPFSAPIURL)
	logger.Info("upstream clients initialized", "price_feed", priceProvider.Name())

	repository := store.NewPostgresRepository(dbpool)

	payrollService := app.NewService(
		repository,
		sourceClient,
		priceProvider,
		gatewayClient,
		contentStore,
		producer,
		runLocker,
		logger,
		cfg,
	)

	// Background jobs: settlement reconciliation and artifact repair.
	emitter := app.NewArtifactEmitter(repository, contentStore, cfg.VerifyArtifacts, logger)
	jobs := app.NewJobs(repository, gatewayClient, emitter, producer, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	// Run execution commands arrive over the queue.
	runConsumer := app.NewRunExecuteConsumer(payrollService, logger)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; runs execute inline only", "error", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			"payroll.run.execute": runConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(rabbitmq.PayrollEventsExchange, cfg.RunExecuteQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"run execute consumer start failed\" err=%v", err)
		}
		logger.Info("run execute consumer started", "queue", cfg.RunExecuteQueue)
	}

	handlers := api.NewPayrollHandlers(payrollService, logger)
	router := api.PayrollRoutes(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// Let in-flight cron jobs finish before the pool closes.
	<-scheduler.Stop().Done()

	logger.Info("shutdown complete")
}
