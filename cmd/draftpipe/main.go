package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaypoint/draftpipe/internal/api"
	"github.com/relaypoint/draftpipe/internal/cache"
	"github.com/relaypoint/draftpipe/internal/engine"
	"github.com/relaypoint/draftpipe/internal/expressions"
	"github.com/relaypoint/draftpipe/internal/gateway"
	"github.com/relaypoint/draftpipe/internal/logging"
	"github.com/relaypoint/draftpipe/internal/scheduler"
	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/internal/streaming"
	"github.com/relaypoint/draftpipe/internal/validation"
	"github.com/relaypoint/draftpipe/pkg/mcp"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("draftpipe exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GatewayURL == "" {
		return errors.New("gateway_url is required (set DRAFTPIPE_GATEWAY_URL or settings.json)")
	}

	if err := os.MkdirAll(draftpipeDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("database ready", "path", cfg.DBPath)

	// Durable event log teed into the in-memory hub for live subscribers.
	eventLog := store.NewEventLog(st)
	hub := streaming.NewMemoryHub()
	broadcaster := streaming.NewBroadcaster(eventLog, hub)

	client := gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayToken, cfg.gatewayTimeout())
	semCache := cache.New(client, cache.Config{
		SimilarityThreshold: cfg.CacheThreshold,
		Capacity:            cfg.CacheCapacity,
		DefaultTTL:          cfg.cacheTTL(),
	}, logger)

	celEng, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	runner := engine.NewStepRunner(client, semCache, celEng, broadcaster, logger)
	executor := engine.NewExecutor(st, broadcaster, runner, logger)
	coordinator := engine.NewCoordinator(ctx, st, executor, broadcaster, logger)

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	sched, err := scheduler.NewScheduler(st, semCache, scheduler.Config{}, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	if cfg.MCP {
		return serveMCP(ctx, mcp.PipelineServerDeps{
			Executor:    executor,
			Coordinator: coordinator,
			Store:       st,
			Validator:   validator,
			Logger:      logger,
		}, hub, logger)
	}

	apiSrv := api.NewServer(api.Deps{
		Store:       st,
		Executor:    executor,
		Coordinator: coordinator,
		Validator:   validator,
		Hub:         hub,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
			_ = server.Close()
		}
	}

	logger.Info("server stopped")
	return nil
}

// serveMCP runs the stdio MCP transport with batch completion
// notifications pumped from the hub.
func serveMCP(ctx context.Context, deps mcp.PipelineServerDeps, hub streaming.EventHub, logger *slog.Logger) error {
	srv := mcp.NewPipelineServer(deps)
	notifier := mcp.NewBatchNotifier(srv.MCPServer(), hub, srv.Sessions(), logger)
	go func() {
		if err := notifier.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("batch notifier stopped", "error", err)
		}
	}()

	logger.Info("mcp server listening on stdio")
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
