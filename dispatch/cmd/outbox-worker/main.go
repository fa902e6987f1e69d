package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"emergency-dispatch/dispatch/internal/repos"
	"emergency-dispatch/shared/config"
	"emergency-dispatch/shared/dbx"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
	"emergency-dispatch/shared/mqx"
	"emergency-dispatch/shared/observability"
)

func main() {
	cfg, problems := config.Load("outbox-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	stopTracing := observability.Setup(context.Background(), cfg, version, logger)
	defer stopTracing()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		fatal(logger, "db_init_failed", "db init failed", err)
	}
	defer dbPool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		fatal(logger, "kafka_init_failed", "kafka producer init failed", err)
	}
	defer producer.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	outboxRepo := repos.NewOutboxRepo(dbPool)
	w := &worker{
		store:       outboxRepo,
		producer:    producer,
		tasks:       client,
		owner:       cfg.ServiceName,
		queue:       cfg.AsynqQueue,
		batchSize:   cfg.OutboxBatchSize,
		maxAttempts: cfg.OutboxMaxAttempts,
		log:         logger,
		now:         time.Now,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{cfg.AsynqQueue: 1},
	})
	defer server.Shutdown()
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOutboxScan, w.handleScan)
	mux.HandleFunc(taskOutboxDispatch, w.handleDispatch)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(taskOutboxScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		fatal(logger, "scheduler_init_failed", "scheduler init failed", err)
	}
	if err := scheduler.Start(); err != nil {
		fatal(logger, "scheduler_start_failed", "scheduler start failed", err)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportDepth(ctx, inspector, outboxRepo, cfg.AsynqQueue)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "outbox worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			fatal(logger, "worker_failed", "worker failed", err)
		}
	}
	logger.Info(context.Background(), "worker_stop", "outbox worker stopped")
}

func reportDepth(ctx context.Context, inspector *asynq.Inspector, outbox *repos.OutboxRepo, queue string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if info, err := inspector.GetQueueInfo(queue); err == nil {
			metricsx.SetAsynqQueueDepth(queue, info.Size)
		}
		if n, err := outbox.CountByStatus(ctx, repos.OutboxStatusDead); err == nil {
			metricsx.SetAsynqQueueDepth("outbox_dead", n)
		}
	}
}

func fatal(logger logx.Logger, event, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
