package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/cache"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/config"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/handlers"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/ingest"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/logging"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/retry"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/store"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/stream"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/upstream"
)

const requestTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging, "odds-feed")
	logger.Info("starting odds feed", "addr", cfg.Server.Addr, "store", cfg.Database.Backend, "league", cfg.Upstream.League)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Record store
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.Database.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store ready", "backend", cfg.Database.Backend)

	// Optional Redis mirror of the latest events
	var mirror stream.LatestMirror
	if cfg.Redis.URL != "" {
		redisClient, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			// The mirror is best effort; streams work without it
			logger.Warn("redis unavailable, latest events kept in memory only", "error", err)
		} else {
			defer redisClient.Close()
			mirror = cache.NewLatestCache(redisClient, "odds-feed")
			logger.Info("connected to redis")
		}
	}

	// Stream managers
	newManager := func(name string) *stream.Manager {
		return stream.NewManager(stream.Options{
			Name:      name,
			Keepalive: cfg.Stream.Keepalive,
			LatestTTL: cfg.Stream.LatestTTL,
			Capacity:  cfg.Stream.ChannelCapacity,
			Mirror:    mirror,
			Logger:    logger,
		})
	}
	fixtureStream := newManager("fixtures")
	oddsStream := newManager("odds")

	var wg sync.WaitGroup
	for _, m := range []*stream.Manager{fixtureStream, oddsStream} {
		wg.Add(1)
		go func(m *stream.Manager) {
			defer wg.Done()
			m.Run(ctx)
		}(m)
	}

	// Upstream provider and producers
	provider := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Timeout)
	policy := retry.NewRetryPolicy(cfg.Ingest.RetryAttempts, cfg.Ingest.RetryDelay).
		WithRetryable(upstream.IsTransient)

	fetcher := ingest.NewFetcher(provider, oddsStream, fixtureStream, policy,
		cfg.Upstream.Sportsbooks, cfg.Ingest.BatchDelay, logger)

	var status handlers.IngestStatus
	if cfg.Ingest.Enabled {
		if cfg.Upstream.APIKey == "" {
			logger.Warn("OPTIC_ODDS_API_KEY is not set, provider requests will be rejected")
		}

		jobs := []ingest.Job{
			ingest.NewFixtureJob(provider, st, policy, cfg.Upstream.League, cfg.Ingest.FixturesInterval, logger),
			ingest.NewOddsJob(provider, st, policy, ingest.OddsJobOptions{
				Sportsbooks: cfg.Upstream.Sportsbooks,
				Interval:    cfg.Ingest.OddsInterval,
				BatchSize:   cfg.Ingest.BatchSize,
				BatchDelay:  cfg.Ingest.BatchDelay,
				Logger:      logger,
			}),
		}
		svc := ingest.NewService(jobs, map[string]ingest.Publisher{
			"fixtures": fixtureStream,
			"odds":     oddsStream,
		}, cfg.Ingest.NotifySession, logger)
		status = svc

		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Start(ctx)
		}()
	} else {
		logger.Info("ingestion disabled")
	}

	// HTTP server
	h := handlers.NewHandler(st, []*stream.Manager{fixtureStream, oddsStream}, fetcher, status, logger)
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handlers.NewRouter(h, cfg.Server.CORSOrigins, requestTimeout),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// Streams hold their response open; cancelling ctx ends them
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case sig := <-shutdown:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	// Cancel context to stop schedulers and open streams
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("could not stop server", "error", err)
		}
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

// openStore connects the configured store backend
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewPostgresStore(ctx, cfg.DSN)
	}
}
