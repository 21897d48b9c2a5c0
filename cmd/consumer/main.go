package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/V4T54L/modsec-extractor/internal/adapter/api"
	"github.com/V4T54L/modsec-extractor/internal/adapter/metrics"
	"github.com/V4T54L/modsec-extractor/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/modsec-extractor/internal/adapter/repository/redis"
	"github.com/V4T54L/modsec-extractor/internal/pkg/config"
	"github.com/V4T54L/modsec-extractor/internal/pkg/logger"
	"github.com/V4T54L/modsec-extractor/internal/usecase"
)

const (
	processingInterval = 1 * time.Second
	staleClaimInterval = 30 * time.Second
	staleMinIdle       = 1 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Error("failed to load config", "error", err)
		os.Exit(2)
	}

	log := logger.New(cfg.LogLevel)
	log.Info("starting row consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddr == "" || cfg.PostgresURL == "" {
		log.Error("REDIS_ADDR and POSTGRES_URL are required")
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewExtractMetrics(reg)

	// Connect to Redis
	redisClient, err := redisrepo.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Error("invalid redis address", "error", err)
		os.Exit(2)
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Error("failed to open postgres connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	log.Info("connected to postgres")

	consumerName, err := os.Hostname()
	if err != nil {
		log.Warn("could not get hostname for consumer name, using default", "error", err)
		consumerName = "consumer-default"
	}

	buffer := redisrepo.NewRowRepository(redisClient, log, redisrepo.Options{
		Stream:    cfg.RedisStream,
		DLQStream: cfg.RedisDLQStream,
		Group:     cfg.ConsumerGroup,
	}, nil, m)
	store := postgres.NewRowRepository(db, log)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("failed to prepare audit_rows table", "error", err)
		os.Exit(1)
	}

	uc := usecase.NewProcessRowsUseCase(buffer, store, m, log,
		cfg.ConsumerGroup, consumerName, cfg.ConsumerBatchSize, cfg.ConsumerMaxAttempts, 0)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr: cfg.MetricsAddr,
			Handler: api.NewRouter(log, api.RouterOptions{
				Gatherer: reg,
				Health: func(ctx context.Context) (any, error) {
					if err := db.PingContext(ctx); err != nil {
						return nil, err
					}
					return map[string]string{"status": "ok", "consumer": consumerName}, nil
				},
				Stream: func(ctx context.Context) (any, error) {
					return buffer.Status(ctx)
				},
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("starting HTTP server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ticker := time.NewTicker(processingInterval)
	defer ticker.Stop()
	claimTicker := time.NewTicker(staleClaimInterval)
	defer claimTicker.Stop()

	log.Info("consumer started, processing rows", "group", cfg.ConsumerGroup, "consumer", consumerName)

Loop:
	for {
		select {
		case <-ticker.C:
			// drain what is available before waiting for the next tick
			for {
				n, err := uc.ProcessBatch(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Error("error processing batch", "error", err)
					}
					break
				}
				if n == 0 {
					break
				}
			}
		case <-claimTicker.C:
			if n, err := uc.RecoverStale(ctx, staleMinIdle); err != nil {
				log.Error("error recovering stale rows", "error", err)
			} else if n > 0 {
				log.Info("recovered stale rows", "count", n)
			}
		case <-ctx.Done():
			log.Info("shutdown signal received, stopping consumer")
			break Loop
		}
	}

	log.Info("consumer shut down gracefully")
}
