package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/safehands/internal/api"
	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/capability/openai"
	"github.com/ashureev/safehands/internal/capability/remote"
	"github.com/ashureev/safehands/internal/capability/rules"
	"github.com/ashureev/safehands/internal/config"
	"github.com/ashureev/safehands/internal/eventlog"
	"github.com/ashureev/safehands/internal/identity"
	"github.com/ashureev/safehands/internal/knowledge"
	"github.com/ashureev/safehands/internal/learning"
	"github.com/ashureev/safehands/internal/middleware"
	"github.com/ashureev/safehands/internal/pipeline"
	"github.com/ashureev/safehands/internal/realtime"
	"github.com/ashureev/safehands/internal/recovery"
	"github.com/ashureev/safehands/internal/store"
	"github.com/ashureev/safehands/internal/sweeper"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.Provider)

	repo, err := store.NewSQLite(cfg.DBPath, cfg.SessionTTL)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(parent); err != nil {
		logger.Error("Database health check failed", "error", err)
		return err
	}
	logger.Info("Database connected")

	kb, err := knowledge.Load(cfg.GuidesFile, repo, logger)
	if err != nil {
		logger.Error("Failed to load guides", "error", err)
		return err
	}

	providers, closeProviders, err := buildProviders(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize capability providers", "error", err)
		return err
	}
	defer closeProviders()

	events, err := eventlog.New(eventlog.Config{
		Enabled:       cfg.StageLog.Enabled,
		Dir:           cfg.StageLog.Dir,
		GlobalEnabled: cfg.StageLog.GlobalEnabled,
		GlobalPath:    cfg.StageLog.GlobalPath,
		QueueSize:     cfg.StageLog.QueueSize,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize stage log", "error", err)
		return err
	}
	defer func() {
		if closeErr := events.Close(); closeErr != nil {
			logger.Warn("Failed to close stage log", "error", closeErr)
		}
	}()

	orch := pipeline.New(pipeline.Deps{
		Store:           repo,
		Providers:       providers,
		Knowledge:       kb,
		Strategist:      recovery.New(cfg.Policy.RepeatedErrorThreshold),
		Learner:         learning.New(repo, cfg.Policy.PromoteAfter, logger),
		Events:          events,
		Policy:          cfg.Policy,
		ProviderTimeout: cfg.ProviderTimeout,
		Logger:          logger,
		Alert: func(consecutive int64, err error) {
			logger.Error("Session store failing repeatedly", "consecutive", consecutive, "error", err)
		},
	})

	mgr := realtime.NewManager(repo, orch, realtime.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedLimit:       cfg.HeartbeatMissedLimit,
		QueueDepth:        cfg.QueueDepth,
		FrameRate:         cfg.FrameRateLimit,
		Logger:            logger,
	})

	base := api.NewHandler(repo, mgr)
	healthHandler := api.NewHealthHandler(base)
	sessionHandler := api.NewSessionHandler(base)
	wsHandler := realtime.NewHandler(mgr, cfg.AllowedOrigins(), cfg.IsDevelopment())

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	r.Get("/ws/{id}", wsHandler.ServeHTTP)

	// WriteTimeout stays 0 so hijacked websocket connections are not cut.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := sweeper.New(repo, mgr, sweeper.Options{
		TTL:       cfg.SessionTTL,
		IdleAfter: cfg.IdleNudgeAfter,
		Interval:  cfg.SweepInterval,
		Logger:    logger,
	})
	if err := sw.Start(ctx); err != nil {
		logger.Error("Failed to start session sweeper", "error", err)
		return err
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			logger.Error("Server failed", "error", err)
			sw.Stop()
			mgr.Shutdown()
			return err
		}
	}
	stop()

	logger.Info("Shutting down gracefully...")

	sw.Stop()
	mgr.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// buildProviders selects the capability backend named by cfg.Provider. The
// returned func releases any connection the backend holds.
func buildProviders(cfg *config.Config, logger *slog.Logger) (capability.Providers, func(), error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		client := openai.New(openai.Config{
			APIKey:       cfg.OpenAI.APIKey,
			Model:        cfg.OpenAI.Model,
			VisionModel:  cfg.OpenAI.VisionModel,
			TTSModel:     cfg.OpenAI.TTSModel,
			WhisperModel: cfg.OpenAI.WhisperModel,
			Voice:        cfg.OpenAI.Voice,
		})
		logger.Info("Using OpenAI capability providers", "model", cfg.OpenAI.Model, "vision_model", cfg.OpenAI.VisionModel)
		return client.Providers(), func() {}, nil

	case config.ProviderRemote:
		client, err := remote.Dial(remote.DefaultClientConfig(cfg.CapabilityAddr), logger)
		if err != nil {
			return capability.Providers{}, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ProviderTimeout)
		defer cancel()
		if err := client.Health(ctx); err != nil {
			client.Close()
			return capability.Providers{}, nil, err
		}
		return client.Providers(false), client.Close, nil

	case config.ProviderRules, "":
		logger.Info("Using rule-based capability providers")
		return rules.New(), func() {}, nil
	}
	return capability.Providers{}, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
