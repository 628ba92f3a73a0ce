package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/habridge/internal/admission"
	"github.com/l0p7/habridge/internal/cache"
	"github.com/l0p7/habridge/internal/config"
	"github.com/l0p7/habridge/internal/eventstream"
	"github.com/l0p7/habridge/internal/logging"
	"github.com/l0p7/habridge/internal/metrics"
	"github.com/l0p7/habridge/internal/scheduler"
	"github.com/l0p7/habridge/internal/server"
	"github.com/l0p7/habridge/internal/upstream"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to bridge configuration file")
		envPrefix  = flag.String("env-prefix", "HABRIDGE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	caches := cache.New(logger, cacheDefinitions(cfg.Cache))

	gate := admission.New(logger, metricsRecorder,
		cfg.Auth.APIKeys, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window(), cfg.Auth.BypassPaths)

	sched := scheduler.New(logger, cfg.Scheduler.MaxConcurrent)
	metricsRecorder.SetSchedulerStats(0, 0, cfg.Scheduler.MaxConcurrent)

	upstreamClient, err := upstream.New(cfg.Upstream, logger)
	if err != nil {
		logger.Error("unable to construct upstream client", slog.Any("error", err))
		os.Exit(1)
	}

	var stream *eventstream.Client
	if cfg.EventStream.Enabled {
		stream, err = buildEventStream(ctx, loader, cfg, logger, metricsRecorder, caches)
		if err != nil {
			logger.Error("unable to construct event stream", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var streamStatus server.Stream
	if stream != nil {
		streamStatus = stream
	}
	bridge := server.NewBridge(cfg, logger, metricsRecorder, caches, gate, sched, upstreamClient, streamStatus)

	srv, err := server.New(cfg, logger, server.NewRouter(bridge))
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	runErr := srv.Run(ctx)

	// Shutdown order: listener first (no new client work), then the event
	// stream, then drain the scheduler.
	if stream != nil {
		stream.Disconnect()
	}
	sched.Shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", runErr))
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}

	logger.Info("bridge shutdown complete")
}

// cacheDefinitions derives the named caches from the configured base TTL.
// Services and config change far less often than entity states, so their
// entries live longer.
func cacheDefinitions(cfg config.CacheConfig) []cache.Definition {
	base := cfg.TTL()
	return []cache.Definition{
		{Name: cache.States, TTL: base, Capacity: cfg.StatesCapacity},
		{Name: cache.Services, TTL: 2 * base, Capacity: cfg.ServicesCapacity},
		{Name: cache.Config, TTL: 10 * base, Capacity: cfg.ConfigCapacity},
	}
}

// buildEventStream wires the cache policy, the websocket client and the
// entity-filter hot reload, then performs the initial connection attempt.
func buildEventStream(ctx context.Context, loader *config.Loader, cfg config.Config,
	logger *slog.Logger, recorder *metrics.Recorder, caches *cache.Manager) (*eventstream.Client, error) {

	policy, err := eventstream.NewPolicy(logger, recorder, caches,
		cfg.EventStream.UpdateCache, cfg.EventStream.Filter)
	if err != nil {
		return nil, err
	}

	if _, err := loader.WatchFilter(ctx, func(filter config.FilterConfig) {
		if err := policy.SetFilter(filter); err != nil {
			logger.Error("filter reload rejected", slog.Any("error", err))
		}
	}, func(err error) {
		if err != nil {
			logger.Error("filter watcher error", slog.Any("error", err))
		}
	}); err != nil {
		logger.Warn("filter watcher setup failed, hot reload disabled", slog.Any("error", err))
	}

	stream, err := eventstream.New(logger, recorder, policy, eventstream.Options{
		URL:                  cfg.Upstream.URL,
		Token:                cfg.Upstream.Token,
		MaxReconnectAttempts: cfg.EventStream.ReconnectMaxAttempts,
		MaxReconnectDelay:    cfg.EventStream.ReconnectMaxDelay(),
	})
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := stream.Connect(connectCtx); err != nil {
		// The bridge still serves REST traffic; the stream keeps retrying in
		// the background.
		logger.Warn("initial event stream connection failed", slog.Any("error", err))
		stream.KickReconnect()
	}
	return stream, nil
}
