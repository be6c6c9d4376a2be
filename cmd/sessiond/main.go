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

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/environment"
	"github.com/agentdock/agentdock/internal/environment/docker"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/gitops"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/api"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/internal/session/streaming"
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

	log.Info("Starting session service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Session store: PostgreSQL when configured, SQLite otherwise
	var sessionStore store.Store
	if cfg.Database.Host != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		sessionStore = pg
		log.Info("Connected to PostgreSQL", zap.String("host", cfg.Database.Host))
	} else {
		sqlite, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open SQLite store", zap.Error(err))
		}
		sessionStore = sqlite
		log.Info("Using SQLite store", zap.String("path", cfg.Database.SQLitePath))
	}
	defer sessionStore.Close()

	// 5. Docker client, optional: docker sessions fail without it, host and
	// ssh sessions still work
	var dockerRunner environment.DockerRunner
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Warn("Docker client unavailable, docker environments disabled", zap.Error(err))
	} else if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("Docker daemon unreachable, docker environments disabled", zap.Error(err))
		dockerClient.Close()
	} else {
		dockerRunner = dockerClient
		defer dockerClient.Close()
		log.Info("Connected to Docker daemon")
	}

	// 6. Git worktree manager
	gitManager, err := gitops.NewManager(gitops.Config{
		BasePath:     cfg.Worktree.BasePath,
		BranchPrefix: cfg.Worktree.BranchPrefix,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	// 7. Session manager
	manager := session.NewManager(session.Options{
		Store:  sessionStore,
		Git:    gitManager,
		Bus:    eventBus,
		Logger: log,
		Config: session.Config{
			OutputBufferSize:    cfg.Session.OutputBufferSize,
			StopGracePeriod:     cfg.Session.StopGracePeriodDuration(),
			DefaultParentBranch: cfg.Worktree.DefaultBranch,
			CleanupOnRemove:     cfg.Worktree.CleanupOnRemove,
		},
		Docker:      dockerRunner,
		Credentials: environment.NewEnvCredentials("AGENTDOCK_"),
		SSHDefaults: environment.SSHDefaults{
			User:           cfg.SSH.User,
			KeyPath:        cfg.SSH.KeyPath,
			ConnectTimeout: cfg.SSH.ConnectTimeoutDuration(),
		},
	})

	// 8. Protocol server, wired both ways
	streamer := streaming.NewServer(manager, cfg.Session.OutputBufferSize, log)
	manager.SetStreamer(streamer)
	streamer.SetAttachListener(manager.OnClientAttach)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.SetupRouter(manager, streamer, cfg.Auth.Token, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down session service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop all live sessions before releasing the store
	manager.Shutdown(shutdownCtx)

	log.Info("Session service stopped")
}
