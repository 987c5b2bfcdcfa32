package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/activitysync/internal/api"
	"example.com/activitysync/internal/app"
	"example.com/activitysync/internal/auth"
	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/jobs"
	"example.com/activitysync/internal/observability"
	"example.com/activitysync/internal/outbox"
	httptransport "example.com/activitysync/internal/transport/http"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	stack, err := app.NewStack(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	producer := outbox.NewKafkaProducer(outbox.ProducerConfig{Brokers: cfg.KafkaBrokers, ClientID: "activitysync-api"})
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(logger))
	go dispatcher.Start(ctx)

	var workers sync.WaitGroup
	var queue jobs.Queue
	switch cfg.QueueBackend {
	case config.QueueKafka:
		queue = jobs.NewOutboxQueue(stack.Repository)
		logger.Info("sync requests go to kafka", slog.String("topic", cfg.SyncRequestTopic))
	default:
		local := jobs.NewLocalQueue(cfg.Workers, cfg.QueueBuffer, logger)
		queue = local
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := local.Run(ctx, stack.Runner); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("local workers stopped", slog.String("error", err.Error()))
			}
		}()
		logger.Info("sync requests run in process", slog.Int("workers", cfg.Workers))
	}

	session := auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, TTL: cfg.SessionTTL}
	tracker := jobs.NewTracker(stack.Jobs, stack.Repository, queue, app.TrackerConfig(cfg), jobs.WithTrackerLogger(logger))
	service := domain.NewService(stack.Repository, stack.Repository)

	if cfg.QueueBackend != config.QueueKafka {
		// Buffered requests died with the previous process.
		if _, err := tracker.Recover(ctx); err != nil {
			logger.Error("recover queued synchronizations", slog.String("error", err.Error()))
		}
	}

	handler := api.NewHandler(service, tracker, stack.Strava, session, api.WithLogger(logger))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	requestLog := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Duration("elapsed", time.Since(start)))
		})
	}

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:     cfg.HTTPAddress,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}, requestLog(httptransport.CORS(cfg.CORSAllowedOrigins)(auth.NewMiddleware(session).Wrap(mux))))

	err = httptransport.Serve(ctx, server, 15*time.Second, logger)
	stop()
	dispatcher.Wait()
	workers.Wait()
	return err
}
