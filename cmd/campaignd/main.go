package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"campaignd/internal/api"
	"campaignd/internal/callback"
	"campaignd/internal/config"
	"campaignd/internal/delayqueue"
	"campaignd/internal/dispatch"
	"campaignd/internal/idempotency"
	"campaignd/internal/localtimer"
	"campaignd/internal/observability"
	"campaignd/internal/scheduler"
	"campaignd/internal/statusdedup"
	"campaignd/internal/store"
	"campaignd/internal/webhook"
	"campaignd/internal/worker"
)

func main() {
	cfg := config.Load()

	var (
		addr  = flag.String("addr", cfg.Addr, "HTTP bind address")
		db    = flag.String("db", cfg.DBPath, "SQLite DB path")
		debug = flag.Bool("debug", false, "serve pprof handlers")
	)
	flag.Parse()
	cfg.Addr, cfg.DBPath = *addr, *db

	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("init metrics")
	}

	sqlDB, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open db")
	}
	defer sqlDB.Close()
	repo := store.NewSQLiteRepo(sqlDB)

	redisClient, err := idempotency.NewRedisClient(cfg.RedisURL, cfg.RedisToken)
	if err != nil {
		log.Fatal().Err(err).Msg("redis config")
	}
	var (
		guardClient idempotency.Client
		locker      scheduler.Locker
	)
	if redisClient != nil {
		defer redisClient.Close()
		guardClient = redisClient
		locker = scheduler.NewRedisLocker(redisClient)
	} else {
		log.Warn().Msg("REDIS_URL not set: status deduplication disabled, every event will be applied")
	}
	guard := idempotency.NewGuard(guardClient, idempotency.DefaultTimeout, metrics)
	dedup := statusdedup.New(guard, cfg.DedupeTTL)

	var publisher dispatch.Publisher
	queueClient, err := delayqueue.NewHTTPClient(cfg.QStashURL, cfg.QStashToken, 10*time.Second)
	switch {
	case errors.Is(err, delayqueue.ErrNotConfigured):
		log.Warn().Msg("QSTASH_TOKEN not set: scheduled campaigns on public hosts will not be armed")
	case err != nil:
		log.Fatal().Err(err).Msg("delay queue config")
	default:
		publisher = delayqueue.NewPublisher(queueClient)
	}

	localScheduler := localtimer.NewScheduler(localtimer.NewRegistry(), localtimer.DefaultFireTimeout, metrics)
	callbackClient := callback.New(callback.DefaultTimeout, nil)

	coordinator := dispatch.NewCoordinator(dispatch.Config{
		CallbackURL: cfg.CallbackURL(),
		Production:  cfg.Production,
		Publisher:   publisher,
		Local:       localScheduler,
		Poster:      callbackClient,
		Handles:     repo,
		Metrics:     metrics,
	})
	log.Info().Str("callback_url", cfg.CallbackURL()).Bool("production", cfg.Production).Msg("dispatch callback configured")

	pool := worker.NewPool(worker.NewDispatcher(repo, callbackClient, cfg.PipelineURL), cfg.DispatchWorkers, cfg.DispatchWorkers*16, callback.DefaultTimeout, metrics)
	go pool.Run(ctx)

	audit, err := scheduler.NewService(repo, locker, cfg.AuditCron)
	if err != nil {
		log.Fatal().Err(err).Str("cron", cfg.AuditCron).Msg("invalid AUDIT_CRON")
	}
	if err := audit.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start audit")
	}

	healthChecks := []api.HealthCheck{{Name: "database", Critical: true, Check: sqlDB.PingContext}}
	if redisClient != nil {
		healthChecks = append(healthChecks, api.HealthCheck{Name: "redis", Check: redisPing(redisClient)})
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Config{
			Store:              repo,
			Scheduler:          coordinator,
			Jobs:               pool,
			Ingestor:           webhook.NewIngestor(dedup, repo, metrics),
			Metrics:            metrics,
			MetricsHandler:     metricsHandler,
			WebhookVerifyToken: cfg.WebhookVerifyToken,
			HealthChecks:       healthChecks,
			EnableDebug:        *debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	audit.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelTimeout()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if n := localScheduler.Registry().Len(); n > 0 {
		log.Warn().Int("armed", n).Msg("dropping armed local dispatch timers")
	}
	localScheduler.Stop()
	pool.Stop()
	cancel()
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if !cfg.Production {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func redisPing(client *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
