// Package main is the entry point for the Cyrus edge-worker binary: it wires
// configuration, logging, the event bus, persistence, the forensic audit
// store, the debug activity hub, and the Orchestrator, then serves the HTTP
// surface until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/activitystream"
	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/common/logger"
	"github.com/cyrus-run/cyrus/internal/configwatch"
	"github.com/cyrus-run/cyrus/internal/events/bus"
	"github.com/cyrus-run/cyrus/internal/forensics"
	"github.com/cyrus-run/cyrus/internal/orchestrator"
	"github.com/cyrus-run/cyrus/internal/persist"
	"github.com/cyrus-run/cyrus/internal/router"
	"github.com/cyrus-run/cyrus/internal/runner"
	"github.com/cyrus-run/cyrus/internal/tracing"
	"github.com/cyrus-run/cyrus/internal/tracker"
)

func main() {
	// 1. Resolve the Cyrus home directory and load configuration.
	cyrusHome := config.CyrusHome()
	cfg, err := config.Load(cyrusHome)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize the logger.
	log, err := logger.NewLogger(cfg.Logging.ToLoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting cyrus edge-worker", zap.String("cyrus_home", cyrusHome))

	// 3. Create a cancellable root context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3b. Initialize OpenTelemetry tracing: a no-op provider unless the
	// operator configured an OTLP endpoint.
	tracerProvider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("failed to initialize tracing, continuing without it", zap.Error(err))
		tracerProvider, _ = tracing.Init(ctx, config.TracingConfig{})
	}

	// 4. Initialize the event bus (NATS if configured, in-memory otherwise).
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Start the configuration watcher (§4.8): hot-reloads repositories and
	// webhook settings without a restart.
	cfgManager := configwatch.New(log, cyrusHome, cfg, eventBus)
	if err := cfgManager.Start(ctx); err != nil {
		log.Warn("config watcher failed to start, continuing without hot-reload", zap.Error(err))
	} else {
		defer cfgManager.Stop()
	}

	// 6. Initialize the persistence store (§4.2).
	stateDir := filepath.Join(cyrusHome, "state")
	store, err := persist.New(stateDir, log)
	if err != nil {
		log.Fatal("failed to initialize persistence store", zap.Error(err))
	}

	// 7. Initialize the optional forensic audit store (§4.2): never gates
	// crash recovery, only supplements it.
	var forensicStore *forensics.Store
	if cfg.Forensics.Driver != "" {
		forensicStore, err = forensics.Open(ctx, cfg.Forensics, log)
		if err != nil {
			log.Warn("failed to open forensics store, continuing without it", zap.Error(err))
			forensicStore = nil
		} else {
			defer forensicStore.Close()
		}
	}

	// 8. Initialize the tracker adapter. The concrete issue-tracker transport
	// is out of scope (§1); Fake is the in-process capability implementation
	// this binary wires by default.
	tr := tracker.NewFake()

	// 9. Initialize the router and runner factory.
	rt := router.New(log, nil)
	factory := func(sel runner.Selection) (runner.Runner, error) {
		return runner.NewMock(true), nil
	}

	// 10. Initialize the debug activity stream hub (§2b).
	hub := activitystream.NewHub(log)
	go hub.Run(ctx)

	// 11. Initialize the Orchestrator.
	orch := orchestrator.New(log, cfgManager.Current, tr, rt, factory, store, hub, forensicStore)
	if err := orch.Start(ctx); err != nil {
		log.Fatal("failed to start orchestrator", zap.Error(err))
	}

	// 12. HTTP server: webhook intake, status, healthz, debug stream.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(corsMiddleware())

	webhookHandler := orchestrator.NewWebhookHandler(orch, cfgManager.Current, log)
	webhookHandler.RegisterRoutes(ginRouter)

	debugHandler := activitystream.NewHandler(hub, log)
	activitystream.RegisterRoutes(ginRouter.Group("/debug"), debugHandler)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("edge-worker HTTP surface listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 13. Wait for a shutdown signal, then drain gracefully (§4.9).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, draining active sessions")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("orchestrator shutdown error", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer provider shutdown error", zap.Error(err))
	}

	log.Info("cyrus edge-worker stopped")
}
