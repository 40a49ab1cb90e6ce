package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/mailbox"
	"github.com/agentfleet/agentfleet/internal/orchestrator/api"
	"github.com/agentfleet/agentfleet/internal/orchestrator/executor"
	"github.com/agentfleet/agentfleet/internal/orchestrator/history"
	"github.com/agentfleet/agentfleet/internal/orchestrator/queue"
	"github.com/agentfleet/agentfleet/internal/orchestrator/streaming"
	"github.com/agentfleet/agentfleet/internal/workspace"
	"github.com/agentfleet/agentfleet/pkg/agentcli"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentfleet orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Build the workspace registry
	registry, err := workspace.NewRegistry(cfg.Workspace.Root, cfg.Workspace.Manifest, log)
	if err != nil {
		log.Fatal("Failed to build workspace registry", zap.Error(err))
	}
	log.Info("Workspace registry ready",
		zap.String("root", registry.Root()),
		zap.Int("agents", len(registry.Agents())))

	// 6. Open the durable command queue
	cmdQueue := queue.NewCommandQueue(cfg.Queue.Path, cfg.Queue.Debounce(), eventBus, log)
	log.Info("Command queue loaded", zap.Int("pending", cmdQueue.Len()))

	// 7. Open the execution history log
	histLog := history.NewLog(cfg.History.Path, cfg.History.MaxEntries, log)

	// 8. Build the mailbox router
	router := mailbox.NewRouter(registry, log)

	// 9. Build the agent CLI runner and the execution manager
	runner := agentcli.NewRunner(cfg.Agent, log)
	manager := executor.NewManager(cfg.Agent, registry, router, executor.CLIRunner{Runner: runner},
		histLog, cfg.History.RecentLimit, eventBus, log)

	// 10. Start the WebSocket hub and bridge it to the event bus
	hub := streaming.NewHub(log)
	go hub.Run(ctx)
	bridge, err := streaming.NewBridge(hub, eventBus, log)
	if err != nil {
		log.Fatal("Failed to bridge event bus to WebSocket hub", zap.Error(err))
	}
	defer bridge.Close()

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(api.Recovery(log))
	engine.Use(api.RequestLogger(log))
	engine.Use(api.ErrorHandler(log))
	engine.Use(api.CORS())

	// 12. Register API and WebSocket routes
	v1Group := engine.Group("/api/v1")
	api.SetupRoutes(v1Group, manager, cmdQueue, registry, eventBus, log)
	streaming.SetupWebSocketRoutes(v1Group, streaming.NewWSHandler(hub, log))

	// 13. Create HTTP server
	port := cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start the server and wait for a shutdown signal
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("Shutting down orchestrator...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("HTTP server error", zap.Error(err))
	}

	// 15. Graceful shutdown
	cancel()

	// Flush the queue so the debounce window is not lost
	if err := cmdQueue.Flush(); err != nil {
		log.Error("Queue flush error", zap.Error(err))
	}

	log.Info("Orchestrator stopped")
}
