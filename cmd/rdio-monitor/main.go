package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scanwatch/rdio-monitor/internal/api"
	"github.com/scanwatch/rdio-monitor/internal/audio"
	"github.com/scanwatch/rdio-monitor/internal/config"
	"github.com/scanwatch/rdio-monitor/internal/ingest"
	"github.com/scanwatch/rdio-monitor/internal/monitor"
	"github.com/scanwatch/rdio-monitor/internal/scanner"
	"github.com/scanwatch/rdio-monitor/internal/storage/sqlite"
	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

const defaultConfigPath = "/etc/rdio-monitor/config.toml"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	log.Info("Starting rdio-monitor", logger.String("config", path))

	db, err := sqlite.Open(cfg.Storage.Path, cfg.Storage.MaxOpenConns, cfg.Storage.MaxIdleConns)
	if err != nil {
		log.Error("Failed to open store", logger.Error(err))
		return 1
	}

	store, err := sqlite.NewCallStore(db, log)
	if err != nil {
		log.Error("Failed to initialize store", logger.Error(err))
		db.Close()
		return 1
	}

	client, err := scanner.NewClient(
		cfg.Scanner.BaseURL,
		cfg.Scanner.APIPath,
		cfg.Scanner.AuthToken,
		cfg.Scanner.UserAgent,
		cfg.Scanner.RequestTimeout(),
		cfg.Scanner.RetryAttempts,
		cfg.Scanner.RetryDelay(),
		cfg.Scanner.MaxCallsPerRequest,
		log,
	)
	if err != nil {
		log.Error("Failed to create scanner client", logger.Error(err))
		db.Close()
		return 1
	}

	pipeline, err := audio.NewPipeline(audio.Config{
		StoragePath:       cfg.Audio.StoragePath,
		Format:            cfg.Audio.Format,
		Quality:           cfg.Audio.Quality,
		MaxFileSize:       cfg.Audio.MaxFileSizeBytes(),
		EnableCompression: cfg.Audio.EnableCompression,
		CompressionLevel:  cfg.Audio.CompressionLevel,
		AutoGainControl:   cfg.Audio.AutoGainControl,
		NormalizeAudio:    cfg.Audio.NormalizeAudio,
		AGCThresholdDB:    cfg.Audio.AGCThresholdDB,
		AGCRatio:          cfg.Audio.AGCRatio,
		AGCAttackMs:       cfg.Audio.AGCAttackMs,
		AGCReleaseMs:      cfg.Audio.AGCReleaseMs,
		RetentionDays:     cfg.Audio.RetentionDays,
		FFmpegPath:        cfg.Audio.FFmpegPath,
		DownloadTimeout:   cfg.Scanner.RequestTimeout(),
		RetryAttempts:     cfg.Scanner.RetryAttempts,
		RetryDelay:        cfg.Scanner.RetryDelay(),
	}, log)
	if err != nil {
		log.Error("Failed to create audio pipeline", logger.Error(err))
		db.Close()
		return 1
	}

	mon := monitor.New(cfg.Monitoring.DiskSpaceThresholdPct, []string{
		cfg.Audio.StoragePath,
		cfg.Monitoring.LogDir,
		cfg.Monitoring.TempDir,
	}, log)

	orch := ingest.New(ingest.Config{
		PollInterval:        cfg.Scanner.PollInterval(),
		MaintenanceInterval: cfg.Monitoring.MaintenanceInterval(),
		HealthCheckInterval: cfg.Monitoring.HealthCheckInterval(),
		MaxCallsPerRequest:  cfg.Scanner.MaxCallsPerRequest,
		RetentionDays:       cfg.Storage.RetentionDays,
		AudioWorkers:        cfg.Audio.DownloadWorkers,
	}, client, store, pipeline, mon, log)

	// HTTP surface for health probes, stats, and metrics
	router := api.NewRouter(store, pipeline, mon, client, cfg, log)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router.Routes(),
	}
	go func() {
		log.Info("HTTP server listening", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", logger.Error(err))
		}
	}()

	// Two termination signals trigger a graceful drain
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		log.Error("Ingestion failed to start", logger.Error(err))
		shutdownServer(server, log)
		db.Close()
		return 1
	}

	shutdownServer(server, log)
	log.Info("Clean shutdown complete")
	return 0
}

func shutdownServer(server *http.Server, log *logger.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", logger.Error(err))
	}
}
