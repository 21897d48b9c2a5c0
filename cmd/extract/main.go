package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/V4T54L/modsec-extractor/internal/adapter/api"
	"github.com/V4T54L/modsec-extractor/internal/adapter/api/handler"
	"github.com/V4T54L/modsec-extractor/internal/adapter/metrics"
	"github.com/V4T54L/modsec-extractor/internal/adapter/pii"
	"github.com/V4T54L/modsec-extractor/internal/adapter/repository/checkpoint"
	redisrepo "github.com/V4T54L/modsec-extractor/internal/adapter/repository/redis"
	"github.com/V4T54L/modsec-extractor/internal/adapter/repository/wal"
	"github.com/V4T54L/modsec-extractor/internal/adapter/sink"
	"github.com/V4T54L/modsec-extractor/internal/adapter/source"
	"github.com/V4T54L/modsec-extractor/internal/audit"
	"github.com/V4T54L/modsec-extractor/internal/domain"
	"github.com/V4T54L/modsec-extractor/internal/pkg/config"
	"github.com/V4T54L/modsec-extractor/internal/pkg/logger"
	"github.com/V4T54L/modsec-extractor/internal/usecase"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	fs := flag.NewFlagSet("modsec-extract", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	log := logger.NewWithWriter(stderr, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfig
	}

	profiles, err := config.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		log.Error("failed to load profiles", "error", err)
		return exitConfig
	}
	extraction, err := cfg.Resolve(profiles)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfig
	}
	predicate, err := audit.ParsePredicate(extraction.Predicate)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfig
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewExtractMetrics(reg)

	// --- Checkpoint ---
	var (
		checkpoints domain.CheckpointRepository
		resume      *domain.Checkpoint
	)
	if cfg.CheckpointPath != "" {
		repo := checkpoint.NewFileRepository(cfg.CheckpointPath)
		cp, err := repo.Load(ctx)
		switch {
		case err != nil:
			log.Warn("ignoring unreadable checkpoint", "path", cfg.CheckpointPath, "error", err)
		case cp != nil && cp.Path == cfg.AuditLogPath:
			resume = cp
		case cp != nil:
			log.Warn("checkpoint belongs to another file, starting from the beginning", "checkpoint_path", cp.Path)
		}
		checkpoints = repo
	}

	// --- Source ---
	src, err := source.Open(source.Options{
		Path:         cfg.AuditLogPath,
		Follow:       cfg.Follow,
		PollInterval: cfg.PollInterval,
		Encoding:     cfg.SourceEncoding,
		Resume:       resume,
	}, log, m)
	if err != nil {
		log.Error("cannot open audit log", "path", cfg.AuditLogPath, "error", err)
		return exitFailed
	}
	defer src.Close()

	// --- Sink ---
	rowSink, cleanup, err := newSink(ctx, cfg, extraction.Specs, stdout, log, m)
	if err != nil {
		log.Error("failed to set up output", "error", err)
		return exitFailed
	}
	defer cleanup()

	var broker *handler.SSEBroker
	if cfg.MetricsAddr != "" {
		broker = handler.NewSSEBroker(ctx, log)
		rowSink = sink.Multi{rowSink, broker}
	}

	uc, err := usecase.NewExtractRowsUseCase(src, rowSink, checkpoints, pii.NewRedactor(cfg.Redacted(), log), m, log,
		usecase.ExtractOptions{
			Source:         cfg.AuditLogPath,
			Predicate:      predicate,
			Fields:         extraction.Specs,
			RequireAll:     extraction.RequireAll,
			QueueSize:      cfg.QueueSize,
			FlushAtEOF:     !cfg.Follow,
			SkipToBoundary: !src.ResumedAtBoundary(),
		})
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfig
	}

	// --- Metrics, health and live rows ---
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr: cfg.MetricsAddr,
			Handler: api.NewRouter(log, api.RouterOptions{
				Gatherer: reg,
				Health: func(context.Context) (any, error) {
					return map[string]any{"status": "ok", "state": src.State().String(), "stats": uc.Stats()}, nil
				},
				Rows: broker,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("extracting rows",
		"path", cfg.AuditLogPath,
		"follow", cfg.Follow,
		"predicate", extraction.Predicate,
		"fields", len(extraction.Specs),
		"resume_offset", src.Checkpoint().Offset,
	)

	stats, err := uc.Run(ctx)
	log.Info("extraction finished",
		"lines", stats.Lines,
		"records", stats.Records,
		"matched", stats.Matched,
		"rows", stats.Rows,
		"incomplete", stats.Incomplete,
		"invalid", stats.Invalid,
		"rotations", stats.Rotations,
		"discarded_partials", stats.DiscardedPartials,
	)
	if err != nil {
		return exitFailed
	}
	return exitOK
}

// newSink builds the primary row sink. The returned cleanup releases what the
// sink holds open.
func newSink(ctx context.Context, cfg *config.Config, specs []domain.FieldSpec, stdout io.Writer, log *slog.Logger, m *metrics.ExtractMetrics) (domain.RowSink, func(), error) {
	switch cfg.OutputFormat {
	case sink.FormatKafka:
		ks := sink.NewKafkaSink(sink.NewKafkaWriter(cfg.Brokers(), cfg.KafkaTopic))
		log.Info("publishing rows to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return ks, func() {
			if err := ks.Close(); err != nil {
				log.Warn("failed to close kafka writer", "error", err)
			}
		}, nil
	case "redis":
	default:
		s, err := sink.New(cfg.OutputFormat, stdout, specs)
		return s, func() {}, err
	}

	client, err := redisrepo.NewClient(cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("could not connect to redis, will proceed in WAL-only mode", "error", err)
	}

	walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	repo := redisrepo.NewRowRepository(client, log, redisrepo.Options{
		Stream:    cfg.RedisStream,
		DLQStream: cfg.RedisDLQStream,
	}, walRepo, m)
	if walRepo.Size() > 0 && repo.Available() {
		if err := repo.ReplayWAL(ctx); err != nil {
			log.Warn("failed to replay WAL from a previous run", "error", err)
		}
	}

	hcCtx, cancel := context.WithCancel(ctx)
	go repo.StartHealthCheck(hcCtx, 5*time.Second)

	return sink.Buffer{Repo: repo}, func() {
		cancel()
		walRepo.Close()
		client.Close()
	}, nil
}
