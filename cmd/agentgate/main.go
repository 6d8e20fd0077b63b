// Package main is the entry point for the agentgate server: a WebSocket
// gateway that supervises local Agent CLI invocations on behalf of
// interactive clients.
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

	"github.com/agentgate/agentgate/internal/agent/supervisor"
	"github.com/agentgate/agentgate/internal/aggregator"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	gateway "github.com/agentgate/agentgate/internal/gateway/websocket"
	"github.com/agentgate/agentgate/internal/history"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/permission"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tracing"
	"github.com/agentgate/agentgate/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentgate...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory unless NATS is configured.
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// Optional message history persistence.
	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.DBPath, log)
		if err != nil {
			log.Fatal("Failed to open history store", zap.Error(err))
		}
		defer hist.Close()
		log.Info("Message history enabled", zap.String("db_path", cfg.History.DBPath))
	}

	// Core components.
	deliveryQueue := queue.New(&cfg.Queue, nil, log)
	perm := permission.NewCoordinator(log)
	agg := aggregator.New(perm, log)
	sup := supervisor.New(&cfg.Agent, log)

	sessions := session.NewManager(&cfg.Session, cfg.Agent.WorkspaceRoot, deliveryQueue,
		func(eventType, sessionID string, data any) {
			msg, err := protocol.NewEvent(eventType, data)
			if err != nil {
				log.Error("failed to encode lifecycle event", zap.Error(err))
				return
			}
			deliveryQueue.Enqueue(sessionID, msg)
			_ = eventBus.Publish(context.Background(), bus.SubjectSessionLifecycle,
				bus.NewEvent(eventType, sessionID, nil))
		}, log)

	// Gateway wiring. The hub doubles as the queue's subscriber registry.
	hub := gateway.NewHub(&cfg.Gateway, log)
	deliveryQueue.SetRegistry(hub)

	orchestratorSvc := orchestrator.New(cfg, sessions, deliveryQueue, perm, agg, sup, hist, eventBus, log)
	handler := gateway.NewHandler(orchestratorSvc, deliveryQueue, log)
	gw := gateway.NewGateway(cfg, hub, handler, log)

	// Background loops.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	sessions.Start(groupCtx)
	deliveryQueue.Start(groupCtx)

	// HTTP server hosting the WebSocket endpoint.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	gw.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "agentgate",
			"sessions": sessions.Count(),
			"clients":  hub.ClientCount(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group.Go(func() error {
		log.Info("WebSocket server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"))

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down agentgate...")
	case <-groupCtx.Done():
		log.Error("Background task failed, shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	if err := group.Wait(); err != nil {
		log.Error("Background task error", zap.Error(err))
	}

	log.Info("agentgate stopped")
}
