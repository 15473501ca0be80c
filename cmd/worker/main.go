package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backline/internal/config"
	"backline/internal/database"
	"backline/internal/events"
	"backline/internal/logging"
	"backline/internal/metrics"
	"backline/internal/notify"
	"backline/internal/progress"
	"backline/internal/remote"
	"backline/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus := events.NewBus()
	cache := progress.NewCache(redisClient, time.Hour)
	// Terminal events refresh the redis snapshot, so the API process serves
	// final counters without waiting on sqlite.
	progress.NewReporter(db, bus, cache, &logger)

	notifier, err := notify.NewNotifier(cfg.Telegram, &logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram alerts unavailable")
	}
	notifier.Register(bus)

	accounting := remote.NewClient(cfg.Remote, &logger)

	if err := recoverInterrupted(ctx, db, cfg, &logger); err != nil {
		return err
	}

	retry := worker.RetryPolicy{
		MaxRetries:    cfg.Worker.MaxRetries,
		Base:          cfg.Worker.BackoffBase.Std(),
		BackoffFactor: 2,
	}
	batchWorker := worker.NewBatchWorker(db, bus, accounting, accounting, cfg.Worker.BatchSize, &logger)
	supervisor := worker.NewSessionSupervisor(db, accounting, cfg.Worker, &logger)
	// The supervisor doubles as the session starter: a queued pull with no
	// explicit entity ids becomes a checkpointed full sync.
	syncWorker := worker.NewSyncWorker(db, bus, accounting, supervisor, retry,
		cfg.Worker.SyncMaxConcurrent, cfg.Worker.SyncMaxJobs, redisClient, &logger)

	startMetrics(ctx, cfg, &logger)

	logger.Info().Dur("tick_interval", cfg.Worker.TickInterval.Std()).Msg("worker started")
	runLoop(ctx, cfg.Worker.TickInterval.Std(), batchWorker, syncWorker, supervisor, &logger)

	logger.Info().Msg("worker stopped")
	return nil
}

// recoverInterrupted cleans up after a crashed worker: processing sync jobs
// go back to pending without consuming a retry, and batch jobs stuck in
// processing beyond the threshold are failed.
func recoverInterrupted(ctx context.Context, db *database.DB, cfg *config.Config, logger *zerolog.Logger) error {
	reset, err := db.ResetProcessingSyncJobs(ctx)
	if err != nil {
		return fmt.Errorf("reset processing sync jobs: %w", err)
	}
	if reset > 0 {
		logger.Warn().Int64("count", reset).Msg("requeued sync jobs left in processing by a previous run")
	}

	stuck, err := db.FailStuckBatchJobs(ctx, cfg.Worker.StuckJobAfter.Std())
	if err != nil {
		return fmt.Errorf("fail stuck batch jobs: %w", err)
	}
	for _, id := range stuck {
		logger.Warn().Str("job_id", id).Msg("failed batch job stuck in processing")
	}
	return nil
}

// runLoop drives one pass of every worker per tick. The tick stands in for
// the external scheduler: each invocation has a bounded budget and the next
// tick picks up whatever is left.
func runLoop(
	ctx context.Context,
	tick time.Duration,
	batchWorker *worker.BatchWorker,
	syncWorker *worker.SyncWorker,
	supervisor *worker.SessionSupervisor,
	logger *zerolog.Logger,
) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		runTick(ctx, batchWorker, syncWorker, supervisor, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runTick(
	ctx context.Context,
	batchWorker *worker.BatchWorker,
	syncWorker *worker.SyncWorker,
	supervisor *worker.SessionSupervisor,
	logger *zerolog.Logger,
) {
	for {
		ran, err := batchWorker.RunOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("batch worker pass failed")
			break
		}
		if !ran {
			break
		}
	}

	if _, err := syncWorker.RunOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("sync worker pass failed")
	}

	if _, err := supervisor.RunOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("session supervisor pass failed")
	}
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "worker-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := progress.NewRedisClient(cfg.Redis)
	if err := progress.Ping(context.Background(), redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		go func() {
			<-ctx.Done()
			ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctxShutdown)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}
