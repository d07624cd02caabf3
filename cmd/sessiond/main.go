// Package main is the entry point for the cloud agent session core.
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

	internalapi "github.com/kilocode/sessioncore/internal/api"
	"github.com/kilocode/sessioncore/internal/authority"
	"github.com/kilocode/sessioncore/internal/callback"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/dispatch"
	"github.com/kilocode/sessioncore/internal/events"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/extqueue"
	"github.com/kilocode/sessioncore/internal/lease"
	"github.com/kilocode/sessioncore/internal/queue"
	"github.com/kilocode/sessioncore/internal/reaper"
	"github.com/kilocode/sessioncore/internal/sandbox"
	"github.com/kilocode/sessioncore/internal/sandbox/ops"
	"github.com/kilocode/sessioncore/internal/sandbox/secrets"
	"github.com/kilocode/sessioncore/internal/storage"
	"github.com/kilocode/sessioncore/internal/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting cloud agent session core")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the embedded relational store
	store, err := storage.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer func() { _ = store.Close() }()
	log.Info("storage opened", zap.String("path", cfg.Database.Path))

	// 5. Connect to the external execution queue (NATS, or the in-process
	// fallback when cfg.NATS.URL is empty)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to provide event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	sender := extqueue.New(providedBus.Bus, cfg.NATS)
	log.Info("external execution queue ready")

	// 6. Load the secrets master key and the sandbox runtime account token
	masterKeyProvider, err := secrets.NewMasterKeyProvider(cfg.Secrets.MasterKeyPath)
	if err != nil {
		log.Fatal("failed to load secrets master key", zap.Error(err))
	}
	sandboxToken := os.Getenv(cfg.Sandbox.APITokenSecretID)
	if sandboxToken == "" {
		log.Fatal("sandbox runtime account token not set", zap.String("env_var", cfg.Sandbox.APITokenSecretID))
	}

	// 7. Wire the core registries
	executions := execution.New(store)
	leases := lease.New(store)
	q := queue.New(store)
	orchestrator := sandbox.New(sandboxToken, masterKeyProvider.Key(), cfg.Sandbox, log)

	// 8. Wire the streaming fabric (C7) and callback dispatcher (C8), both
	// of which the Authority needs at construction time
	hub := streaming.NewHub(log)
	commander := streaming.NewCommander(hub)
	notifier := callback.NewNotifier(store, log)

	authoritySender := &queueSenderAdapter{sender: sender}
	auth := authority.New(store, executions, q, authoritySender, notifier, commander, log)

	// 9. Start the external-queue consumer (acquires leases, provisions
	// sandboxes, launches wrappers)
	consumer := dispatch.New(sender, leases, orchestrator, executions, store, auth, cfg.Dispatch, log)
	stopConsumer, err := consumer.Start(ctx)
	if err != nil {
		log.Fatal("failed to start dispatch consumer", zap.Error(err))
	}
	defer func() { _ = stopConsumer() }()
	log.Info("dispatch consumer started")

	// 10. Start the callback dispatcher (C8)
	callbackDispatcher := callback.NewDispatcher(store, cfg.Callback, log)
	if err := callbackDispatcher.Start(ctx); err != nil {
		log.Fatal("failed to start callback dispatcher", zap.Error(err))
	}
	defer func() { _ = callbackDispatcher.Stop() }()
	log.Info("callback dispatcher started")

	// 11. Start the lifecycle reaper (C9)
	lifecycleReaper := reaper.New(store, executions, q, leases, auth, cfg.Reaper, log)
	if err := lifecycleReaper.Start(ctx); err != nil {
		log.Fatal("failed to start reaper", zap.Error(err))
	}
	defer func() { _ = lifecycleReaper.Stop() }()
	log.Info("reaper started", zap.Duration("interval", cfg.Reaper.ReaperInterval()))

	// 12. Build the HTTP/WebSocket surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(internalapi.RequestLogger(log))
	router.Use(internalapi.Recovery(log))
	router.Use(internalapi.CORS())
	router.Use(internalapi.ErrorHandler(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	shutdownCh := make(chan struct{})
	defer close(shutdownCh)

	ticketIssuer := streaming.NewTicketIssuer(cfg.Server.TicketSigningKey)
	streamHandler := streaming.NewHandler(hub, ticketIssuer, store, executions, auth, cfg.Server, cfg.Backend, shutdownCh, log)
	streaming.RegisterRoutes(router, streamHandler)

	ops.RegisterRoutes(router, func(context.Context) (string, error) { return sandboxToken, nil }, log)

	// 13. Start the HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down cloud agent session core")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("cloud agent session core stopped")
}

// queueSenderAdapter adapts extqueue.Sender's message-struct Send to the
// primitive-argument shape authority.Sender expects.
type queueSenderAdapter struct {
	sender *extqueue.Sender
}

func (a *queueSenderAdapter) Send(ctx context.Context, sessionID, executionID, messageJSON string) error {
	return a.sender.Send(ctx, extqueue.DispatchMessage{
		SessionID:   sessionID,
		ExecutionID: executionID,
		MessageJSON: messageJSON,
	})
}
