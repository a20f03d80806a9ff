// Package main provides the mirage read/write HTTP API service: experiment
// and run inspection, pairwise task assignment, and rating capture.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/mirage-run/mirage/internal/api"
	"github.com/mirage-run/mirage/internal/api/middleware"
	"github.com/mirage-run/mirage/internal/config"
	"github.com/mirage-run/mirage/internal/store"
)

const (
	version = "0.1.0-dev"
	name    = "mirage-api"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting mirage API service",
		slog.String("service", name),
		slog.String("version", version),
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

	st := store.New(conn)

	rateLimitConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)
	defer rateLimiter.Close()

	artifactRoot := config.GetEnvStr("MIRAGE_ARTIFACT_ROOT", "/var/lib/mirage/artifacts")

	server := api.NewServer(&serverConfig, st, st, rateLimiter, artifactRoot)

	logger.Info("loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("artifact_root", artifactRoot),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("mirage API service stopped")
}
