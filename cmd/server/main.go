// Scenario Lab - PM scenario training server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/scenario-lab/internal/api"
	"github.com/ashureev/scenario-lab/internal/config"
	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/ashureev/scenario-lab/internal/middleware"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
	"github.com/ashureev/scenario-lab/internal/simulation"
	"github.com/ashureev/scenario-lab/internal/store"
	"github.com/ashureev/scenario-lab/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"orchestrator", cfg.Orchestrator.Provider)
	if cfg.EphemeralSecret() {
		slog.Warn("JWT_SECRET not set, using a per-process development key; credentials will not survive a restart")
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	orch, err := orchestrator.New(cfg.Orchestrator, logger)
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err, "provider", cfg.Orchestrator.Provider)
		os.Exit(1)
	}
	if closer, ok := orch.(interface{ Close() }); ok {
		defer closer.Close()
	}
	slog.Info("Orchestrator initialized", "provider", cfg.Orchestrator.Provider)

	gate, err := identity.NewGate(cfg.JWTSecret, cfg.CredentialTTL)
	if err != nil {
		slog.Error("Failed to initialize identity gate", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := simulation.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	simulations := simulation.NewManager(ctx, orch, repo, simulation.Options{
		TurnSeconds:     cfg.Simulation.TurnSeconds,
		EnforceHardCap:  cfg.Simulation.EnforceHardCap,
		CallTimeout:     cfg.Orchestrator.Timeout,
		Logger:          logger,
		ConversationLog: conversationLogger,
	}, simulation.ManagerConfig{
		TickInterval: cfg.Simulation.TickInterval,
		IdleTTL:      cfg.Simulation.IdleTTL,
	})
	defer simulations.Shutdown()
	simulations.StartReaper()

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	api.Mount(r, api.Deps{
		Config:      cfg,
		Repo:        repo,
		Gate:        gate,
		Simulations: simulations,
		RateLimit:   limiter.Handler,
		SPA:         web.SPAHandler(),
	})

	// Create server.
	// SSE and WebSocket streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
