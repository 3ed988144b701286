package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/publisher"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanjob"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/worker"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting scan worker",
		"topic", cfg.Kafka.Topics.ScanRequests,
		"group", cfg.Kafka.ConsumerGroup,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(metrics.ServerConfig{
			Port:    cfg.Metrics.Port,
			Service: "Marker Scan Worker",
			Links: []metrics.Link{
				{Port: cfg.Server.Port, Path: "/health/ready", Label: "readiness"},
			},
		})
		defer shutdownMetrics(context.Background())
	}
	checker := health.NewChecker()
	checker.RegisterRoots(cfg.Scan.AllowedRoots)

	var runs scanjob.RunStore
	if cfg.Scan.Persist {
		runStore, err := store.Open(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer runStore.Close()
		if err := runStore.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create scan schema", "error", err)
			os.Exit(1)
		}
		runs = runStore
		checker.Register("postgres", health.Required, runStore.Ping)
	}

	var matches scanjob.MatchPublisher
	if cfg.Scan.Publish {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MatchEvents)
		defer producer.Close()
		pub := publisher.New(producer, publisher.Config{
			BatchSize:     cfg.Kafka.BatchSize,
			FlushInterval: cfg.Kafka.FlushInterval,
		}, m)
		pub.Start(ctx)
		defer pub.Close()
		checker.RegisterBreaker("match_events", pub.BreakerState)
		matches = pub
	}

	runner := scanjob.NewRunner(cfg.Scan, runs, matches, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ScanRequests, worker.HandleScanRequest(runner))
	scanWorker := worker.New(consumer)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	healthServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	slog.Info("scan worker ready, consuming from kafka")
	if err := scanWorker.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	slog.Info("scan worker stopped")
}
