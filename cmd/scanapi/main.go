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

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/api/cache"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/api/handler"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/publisher"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanjob"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/rpc"
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
	slog.Info("starting scan api", "port", cfg.Server.Port, "workers", cfg.Scan.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(metrics.ServerConfig{
			Port:    cfg.Metrics.Port,
			Service: "Marker Scan API",
			Links: []metrics.Link{
				{Port: cfg.Server.Port, Path: "/api/v1/scans", Label: "recent scans"},
				{Port: cfg.Server.Port, Path: "/api/v1/cache/stats", Label: "result cache"},
				{Port: cfg.Server.Port, Path: "/health/ready", Label: "readiness"},
			},
		})
		defer shutdownMetrics(context.Background())
	}

	checker := health.NewChecker()
	checker.RegisterRoots(cfg.Scan.AllowedRoots)

	var runStore *store.Store
	if cfg.Scan.Persist {
		runStore, err = store.Open(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer runStore.Close()
		if err := runStore.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create scan schema", "error", err)
			os.Exit(1)
		}
		checker.Register("postgres", health.Required, runStore.Ping)
		slog.Info("scan persistence enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	var matchPublisher *publisher.Publisher
	if cfg.Scan.Publish {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MatchEvents)
		defer producer.Close()
		matchPublisher = publisher.New(producer, publisher.Config{
			BatchSize:     cfg.Kafka.BatchSize,
			FlushInterval: cfg.Kafka.FlushInterval,
		}, m)
		matchPublisher.Start(ctx)
		defer matchPublisher.Close()
		checker.RegisterBreaker("match_events", matchPublisher.BreakerState)
		slog.Info("match publishing enabled", "topic", cfg.Kafka.Topics.MatchEvents)
	}

	var resultCache *cache.ResultCache
	if cfg.Cache.Enabled {
		var shared cache.SharedTier
		if cfg.Cache.UseRedis {
			redisTier, err := cache.NewRedisTier(cfg.Redis)
			if err != nil {
				slog.Warn("redis unavailable, result cache is local only", "error", err)
				checker.Register("redis", health.Optional, nil)
			} else {
				defer redisTier.Close()
				shared = redisTier
				checker.Register("redis", health.Optional, redisTier.Ping)
			}
		}
		resultCache, err = cache.New(cfg.Cache.LocalEntries, cfg.Cache.TTL, shared, m)
		if err != nil {
			slog.Error("failed to create result cache", "error", err)
			os.Exit(1)
		}
		if shared != nil {
			checker.RegisterBreaker("result_cache_shared", resultCache.SharedState)
		}
		slog.Info("result cache enabled",
			"entries", cfg.Cache.LocalEntries,
			"ttl", cfg.Cache.TTL,
			"redis", shared != nil,
		)
	}

	runner := scanjob.NewRunner(cfg.Scan, optionalStore(runStore), optionalPublisher(matchPublisher), m)
	var runs handler.RunReader
	if runStore != nil {
		runs = runStore
	}
	h := handler.New(runner, resultCache, runs).WithSharedScanTimeout(cfg.Server.WriteTimeout)

	if cfg.Server.RPCPort > 0 {
		rpcServer := rpc.NewServer()
		h.RegisterRPC(rpcServer)
		go func() {
			if err := rpcServer.Serve(ctx, fmt.Sprintf(":%d", cfg.Server.RPCPort)); err != nil {
				slog.Error("rpc server error", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Metrics(m),
	}
	if cfg.Server.ScanRateLimit > 0 {
		limiter := middleware.NewLimiter(cfg.Server.ScanRateLimit, time.Minute)
		go limiter.RunSweeper(ctx)
		mws = append(mws, middleware.RateLimit(limiter))
	}
	mws = append(mws, middleware.Timeout(cfg.Server.WriteTimeout))
	chain := middleware.Chain(mux, mws...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("scan api listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("scan api stopped")
}

func optionalStore(s *store.Store) scanjob.RunStore {
	if s == nil {
		return nil
	}
	return s
}

func optionalPublisher(p *publisher.Publisher) scanjob.MatchPublisher {
	if p == nil {
		return nil
	}
	return p
}
