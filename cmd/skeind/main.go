// Command skeind runs the Skein scheduler daemon: lane manager, session
// pool, background task queue, and workflow engine over a NATS-dispatched
// agent fleet, exposed over HTTP, WebSocket, and optionally MCP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	skhttp "github.com/skein-dev/skein/internal/adapter/http"
	"github.com/skein-dev/skein/internal/adapter/mcp"
	sknats "github.com/skein-dev/skein/internal/adapter/nats"
	"github.com/skein-dev/skein/internal/adapter/otel"
	"github.com/skein-dev/skein/internal/adapter/postgres"
	"github.com/skein-dev/skein/internal/adapter/remote"
	"github.com/skein-dev/skein/internal/adapter/ristretto"
	"github.com/skein-dev/skein/internal/adapter/ws"
	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/logger"
	"github.com/skein-dev/skein/internal/middleware"
	"github.com/skein-dev/skein/internal/port/history"
	"github.com/skein-dev/skein/internal/resilience"
	"github.com/skein-dev/skein/internal/service"
)

const sweepInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer func() { logCloser.Close() }()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats_url", cfg.NATS.URL,
		"postgres_enabled", cfg.Postgres.Enabled,
		"mcp_enabled", cfg.MCP.Enabled,
	)

	ctx := context.Background()

	// --- Telemetry ---
	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		slog.Info("telemetry exporters started", "endpoint", cfg.Telemetry.Endpoint)
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Archive store (optional) ---
	var store history.Store
	if cfg.Postgres.Enabled {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		db, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		store = postgres.NewHistoryStore(db)
		slog.Info("postgres archive connected")
	}

	// --- NATS ---
	queue, err := sknats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// --- Dispatch path ---
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	rexec := remote.NewExecutor(queue, breaker)
	if err := rexec.Start(ctx); err != nil {
		return fmt.Errorf("result subscriber: %w", err)
	}
	defer rexec.Stop()

	sessions := remote.NewSessionManager(queue, rexec)
	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("session state subscriber: %w", err)
	}
	defer sessions.Stop()

	// --- Scheduling core ---
	hub := ws.NewHub()

	lanes := service.NewLaneService(cfg.Lanes)
	lanes.SetSlowWaitObserver(func(lane string, waited time.Duration, remaining int) {
		hub.BroadcastEvent(ctx, ws.EventLaneSlow, ws.LaneSlowEvent{
			Lane:      lane,
			WaitedMS:  waited.Milliseconds(),
			Remaining: remaining,
		})
	})

	pool := service.NewProcessPoolService(cfg.Pool)
	defer pool.StopAll(ctx)

	pooled := service.NewPooledExecutor(pool, sessions.Open)
	laned := service.NewLanedExecutor(lanes, pooled)

	tasks := service.NewTaskQueueService(cfg.TaskQueue, laned, hub, metrics)
	defer tasks.Destroy()

	workflows := service.NewWorkflowService(cfg.Workflow, laned, hub, metrics)

	planCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("plan cache: %w", err)
	}
	defer planCache.Close()
	workflows.SetPlanCache(planCache, cfg.Cache.PlanTTL)

	if store != nil {
		tasks.SetHistoryStore(store)
		workflows.SetHistoryStore(store)
	}

	// --- Background sweeps ---
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go runSweeps(sweepCtx, pool, tasks)

	// --- MCP ---
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(mcp.ServerConfig{
			Addr:    ":" + cfg.MCP.Port,
			Name:    "skein",
			Version: "0.1.0",
			APIKey:  cfg.MCP.APIKey,
		}, mcp.ServerDeps{
			Tasks:     tasks,
			Workflows: workflows,
			Lanes:     lanes,
			Pools:     pool,
		})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mcpSrv.Stop(stopCtx)
		}()
	}

	// --- HTTP ---
	handlers := &skhttp.Handlers{
		Tasks:     tasks,
		Workflows: workflows,
		Lanes:     lanes,
		Pool:      pool,
		History:   store,
		Hub:       hub,
	}

	r := chi.NewRouter()
	r.Use(skhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(skhttp.Logger)
	r.Use(skhttp.SecurityHeaders)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	limiter := middleware.NewRateLimiterFromConfig(cfg.Server)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()
	r.Use(limiter.Handler)
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	skhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return queue.Drain()
}

// runSweeps periodically reaps idle and hung sessions and fails tasks that
// ran past the stale cutoff.
func runSweeps(ctx context.Context, pool *service.ProcessPoolService, tasks *service.TaskQueueService) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := pool.ReapIdle(ctx); n > 0 {
				slog.Info("idle sessions reaped", "count", n)
			}
			if n := pool.ReapHung(ctx); n > 0 {
				slog.Warn("hung sessions reaped", "count", n)
			}
			if n := tasks.CleanupStale(); n > 0 {
				slog.Warn("stale tasks failed", "count", n)
			}
		}
	}
}
