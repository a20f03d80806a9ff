// Package main runs the mirage generation worker: the poll loop that
// claims queued Runs and drives each through generate -> normalize ->
// measure -> finish.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/mirage-run/mirage/internal/config"
	"github.com/mirage-run/mirage/internal/events"
	"github.com/mirage-run/mirage/internal/metrics"
	"github.com/mirage-run/mirage/internal/orchestrator"
	"github.com/mirage-run/mirage/internal/pairwise"
	"github.com/mirage-run/mirage/internal/provider"
	"github.com/mirage-run/mirage/internal/store"
)

const (
	version = "0.1.0-dev"
	name    = "mirage-worker"

	defaultClaimBatch   = 1
	defaultPollInterval = time.Second
	defaultProviderRPS  = 5
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logLevel := config.GetEnvLogLevel("MIRAGE_LOG_LEVEL", slog.LevelInfo)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	workerID := config.GetEnvStr("MIRAGE_WORKER_ID", hostnameOrFallback())

	logger.Info("starting mirage worker",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("worker_id", workerID),
	)

	storeConfig := store.LoadConfig()
	if err := storeConfig.Validate(); err != nil {
		logger.Error("invalid store configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := store.NewConnection(storeConfig)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = conn.Close() }()

	st := store.New(conn)

	artifactRoot := config.GetEnvStr("MIRAGE_ARTIFACT_ROOT", "/var/lib/mirage/artifacts")
	cacheDir := config.GetEnvStr("MIRAGE_PROVIDER_CACHE_DIR", "")
	providerOutputDir := artifactRoot + "/raw"

	providerRPS := config.GetEnvInt("MIRAGE_PROVIDER_RPS", defaultProviderRPS)

	var limiter *rate.Limiter
	if providerRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(providerRPS), providerRPS)
	}

	mockProvider, err := provider.NewMockProvider(providerOutputDir, cacheDir, limiter)
	if err != nil {
		logger.Error("failed to construct mock provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	publisher := buildPublisher(logger)
	if closer, ok := publisher.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	worker := &orchestrator.Worker{
		WorkerID: workerID,
		Store:    st,
		Providers: orchestrator.Providers{
			"synthetic": mockProvider,
		},
		Metrics:      metrics.NewEngine(metrics.MockFaceExtractor{}),
		Events:       publisher,
		ArtifactRoot: artifactRoot,
		Logger:       logger,
		ClaimBatch:   config.GetEnvInt("MIRAGE_CLAIM_BATCH", defaultClaimBatch),
		PollInterval: config.GetEnvDuration("MIRAGE_POLL_INTERVAL", defaultPollInterval),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if subscriber, ok := publisher.(events.Subscriber); ok {
		go runPairwiseSubscriber(ctx, logger, st, subscriber)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker loop exited", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("mirage worker stopped")
}

// runPairwiseSubscriber regenerates pairwise tasks as soon as a
// run.succeeded event arrives, so tasks appear without waiting for an
// external caller to poll POST /experiments/{id}/tasks. Best-effort: a
// subscribe failure is logged, not fatal, since the HTTP endpoint remains
// the source of truth either way.
func runPairwiseSubscriber(ctx context.Context, logger *slog.Logger, st *store.Store, subscriber events.Subscriber) {
	sub := &pairwise.Subscriber{
		Generator: pairwise.NewGenerator(st),
		Events:    subscriber,
		Logger:    logger,
	}

	if err := sub.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("pairwise subscriber exited", slog.String("error", err.Error()))
	}
}

// buildPublisher returns a KafkaBus when MIRAGE_KAFKA_BROKERS is set,
// otherwise a NoopPublisher so the worker runs without a broker.
func buildPublisher(logger *slog.Logger) events.Publisher {
	brokersStr := config.GetEnvStr("MIRAGE_KAFKA_BROKERS", "")
	if brokersStr == "" {
		return events.NoopPublisher{}
	}

	brokers := strings.Split(brokersStr, ",")
	groupID := config.GetEnvStr("MIRAGE_KAFKA_GROUP_ID", "mirage-worker")

	return events.NewKafkaBus(brokers, groupID, logger)
}

func hostnameOrFallback() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "mirage-worker"
	}

	return host
}
