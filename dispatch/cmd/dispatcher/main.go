package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"emergency-dispatch/dispatch/internal/assign"
	"emergency-dispatch/dispatch/internal/audit"
	"emergency-dispatch/dispatch/internal/engine"
	"emergency-dispatch/dispatch/internal/facility"
	"emergency-dispatch/dispatch/internal/notify"
	"emergency-dispatch/dispatch/internal/queue"
	"emergency-dispatch/dispatch/internal/repos"
	"emergency-dispatch/dispatch/internal/route"
	"emergency-dispatch/shared/cachex"
	"emergency-dispatch/shared/clients/routing"
	"emergency-dispatch/shared/config"
	"emergency-dispatch/shared/dbx"
	"emergency-dispatch/shared/events"
	"emergency-dispatch/shared/influxx"
	"emergency-dispatch/shared/lockx"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
	"emergency-dispatch/shared/mqx"
	"emergency-dispatch/shared/observability"
	"emergency-dispatch/shared/retryx"
)

func main() {
	cfg, problems := config.Load("dispatcher", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.NotifySink != "kafka" && cfg.NotifySink != "outbox" {
		problems = append(problems, config.Problem{Field: "NOTIFY_SINK", Message: "NOTIFY_SINK must be kafka or outbox"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	metricsx.Register()
	stopTracing := observability.Setup(context.Background(), cfg, version, logger)
	defer stopTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// Redis is optional: without it the route cache is process-local and
	// queue locking relies on the in-process mutex alone.
	var (
		remote queue.Locker
		l2     route.RemoteCache
	)
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg, "dispatch")
		if err != nil {
			fatal(logger, "redis_init_failed", "redis init failed", err)
		}
		defer cache.Close()
		l2 = cache
		remote = lockx.NewMutex(cache.Client(), "dispatch:queue-lock:", time.Duration(cfg.QueueLockTTLMS)*time.Millisecond)
	}

	var provider route.Provider
	if cfg.RoutingURL != "" {
		client, err := routing.New(cfg)
		if err != nil {
			fatal(logger, "routing_init_failed", "routing client init failed", err)
		}
		provider = client
	} else {
		logger.Warn(ctx, "routing_disabled", "ROUTING_URL not set, all routes use the straight-line estimate",
			slog.String("error_code", "FAILED_PRECONDITION"))
	}

	facilityRepo := repos.NewFacilityRepo(dbPool)
	specialistRepo := repos.NewSpecialistRepo(dbPool)
	queueRepo := repos.NewQueueRepo(dbPool)
	outboxRepo := repos.NewOutboxRepo(dbPool)
	auditLog := audit.NewLog(repos.NewAuditChainRepo(dbPool))

	estimator := route.NewEstimator(provider, route.Options{
		TTL:           time.Duration(cfg.RouteCacheTTLSec) * time.Second,
		FallbackTTL:   time.Duration(cfg.RouteFallbackTTLSec) * time.Second,
		LookupTimeout: time.Duration(cfg.RouteLookupTimeoutMS) * time.Millisecond,
		MaxEntries:    cfg.RouteCacheMaxEntries,
		Fanout:        cfg.RouteFanout,
		Remote:        l2,
		Logger:        logger,
	})
	directory := facility.NewDirectory(facilityRepo, time.Duration(cfg.FacilityCacheTTLSec)*time.Second, logger)
	scorer := facility.NewScorer(estimator, logger)

	matcher := assign.NewMatcher(specialistRepo, logger, nil)
	if err := restoreRoster(ctx, matcher, specialistRepo); err != nil {
		fatal(logger, "roster_load_failed", "specialist roster load failed", err)
	}

	queues := queue.NewManager(queue.Options{
		Store:      queueRepo,
		Locker:     remote,
		Facilities: directory,
		Loads:      directory,
		Staffing:   matcher,
		Baseline:   time.Duration(cfg.QueueBaselineMin) * time.Minute,
		Retry:      retryx.DefaultPolicy(cfg.PersistRetryMax),
		Logger:     logger,
	})
	waiting, err := queueRepo.ListWaiting(ctx)
	if err != nil {
		fatal(logger, "queue_restore_failed", "waiting entries load failed", err)
	}
	queues.Restore(ctx, waiting)

	var series queue.SeriesWriter
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			fatal(logger, "influx_init_failed", "influx init failed", err)
		}
		defer influx.Close()
		series = influx
	}
	refresher := queue.NewRefresher(queues, series, time.Duration(cfg.QueueRefreshSec)*time.Second, logger)
	refresher.Start(ctx)
	defer refresher.Stop()
	roster := assign.NewRosterRefresher(matcher, specialistRepo, time.Duration(cfg.RosterRefreshSec)*time.Second, logger)
	roster.Start(ctx)
	defer roster.Stop()

	var sink notify.Sink = producer
	if cfg.NotifySink == "outbox" {
		sink = outboxRepo
	}
	notifications := notify.NewService(sink, auditLog, notify.Options{
		Buffer:        cfg.NotifyBuffer,
		SweepInterval: time.Duration(cfg.NotifySweepSec) * time.Second,
		AckTimeout:    time.Duration(cfg.NotifyAckTimeoutSec) * time.Second,
		Logger:        logger,
	})
	notifications.Start(ctx)
	defer notifications.Stop()

	eng := engine.New(engine.Options{
		Facilities: directory,
		Ranker:     scorer,
		Queue:      queues,
		Assigner:   matcher,
		Emitter:    notifications,
		Logger:     logger,
	})

	in := &intake{engine: eng, log: logger}
	var consumers sync.WaitGroup
	var readers []*kafka.Reader
	for _, topic := range []string{events.TopicCaseSubmitted, events.TopicCaseAmended, events.TopicCaseCancelled} {
		reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			fatal(logger, "kafka_init_failed", "kafka reader init failed", err)
		}
		readers = append(readers, reader)
		consumers.Add(1)
		go func(topic string, reader *kafka.Reader) {
			defer consumers.Done()
			consume(ctx, reader, topic, cfg.KafkaGroupID, in, logger)
		}(topic, reader)
	}

	server := &http.Server{
		Addr: net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler: newOpsHandler(opsDeps{
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
			Timeout: cfg.RequestTimeout,
			Ready: func(ctx context.Context) error {
				return dbx.Ping(ctx, dbPool)
			},
			Engine:        eng,
			Queue:         queues,
			Notifications: notifications,
			Audit:         auditLog,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting dispatcher",
			slog.String("addr", server.Addr),
			slog.String("notify_sink", cfg.NotifySink),
			slog.Int("facilities_waiting", len(queues.Facilities())),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}

	cancel()
	consumers.Wait()
	for _, r := range readers {
		_ = r.Close()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info(context.Background(), "service_stop", "dispatcher stopped",
		slog.Int64("notifications_dropped", notifications.Dropped()))
}

func restoreRoster(ctx context.Context, m *assign.Matcher, repo *repos.SpecialistRepo) error {
	shifts, err := repo.ListShifts(ctx, time.Now())
	if err != nil {
		return err
	}
	m.Load(shifts)
	active, err := repo.ActiveAssignments(ctx)
	if err != nil {
		return err
	}
	m.Restore(active)
	return nil
}

func fatal(logger logx.Logger, event, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
