// SHSH Chat - browser chat assistant server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-chat/internal/api"
	"github.com/ashureev/shsh-chat/internal/chat"
	"github.com/ashureev/shsh-chat/internal/config"
	"github.com/ashureev/shsh-chat/internal/gemini"
	"github.com/ashureev/shsh-chat/internal/health"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/metrics"
	"github.com/ashureev/shsh-chat/internal/middleware"
	"github.com/ashureev/shsh-chat/internal/realtime"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/ashureev/shsh-chat/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout        = 10 * time.Second
	healthProbeInterval    = 15 * time.Second
	rateLimitSweepInterval = 5 * time.Minute
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "model", cfg.Gemini.Model)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	// Model client (optional). Without it every submit records a failure.
	var factory chat.SessionFactory
	client, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:            cfg.Gemini.APIKey,
		Model:             cfg.Gemini.Model,
		MaxOutputTokens:   cfg.Chat.MaxOutputTokens,
		SystemInstruction: cfg.Chat.SystemInstruction,
		Endpoint:          cfg.Gemini.Endpoint,
	}, logger)
	if err != nil {
		slog.Warn("Gemini client unavailable, replies will fail until configured", "error", err)
	} else {
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Debug("Failed to close Gemini client", "error", closeErr)
			}
		}()
		factory = func(ctx context.Context) (chat.Session, error) {
			session, err := client.StartChat(ctx)
			if err != nil {
				return nil, err
			}
			return session, nil
		}
	}

	chatMetrics := metrics.NewChatMetrics(prometheus.DefaultRegisterer)

	registry := chat.NewRegistry(chat.RegistryConfig{
		Factory:  factory,
		Repo:     repo,
		Model:    cfg.Gemini.Model,
		Greeting: cfg.Chat.Greeting,
		Timeout:  cfg.Chat.RequestTimeout,
		Metrics:  chatMetrics,
		Logger:   logger,
	})
	defer registry.CloseAll()

	conns := realtime.NewConnManager()
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, cfg.AIConfigured(), cfg.Gemini.Model, registry.Len)
	chatHandler := api.NewChatHandler(registry, cfg.Chat.MaxRequestBodySize,
		middleware.RateLimit(limiter, identity.UserKey, chatMetrics.ObserveRateLimited),
	)
	wsHandler := realtime.NewHandler(registry, conns, repo, cfg.CORSAllowedOrigins, cfg.IsDevelopment())
	wsHandler.SetRateLimit(limiter, chatMetrics.ObserveRateLimited)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	}

	// Conversation routes need a user identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: submits wait for the model reply, so WriteTimeout must exceed
	// the request timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Chat.RequestTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var healthLis net.Listener
	if cfg.GRPCHealthPort != "" {
		healthLis, err = net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
	}

	// Start TTL worker.
	chat.StartTTLWorker(ctx, repo, registry, cfg.Session.TTL, cfg.Session.SweepInterval, conns.CloseSession)
	slog.Info("TTL worker started", "session_ttl", cfg.Session.TTL, "sweep_interval", cfg.Session.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(rateLimitSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if removed := limiter.Sweep(); removed > 0 {
					slog.Debug("Rate limiter swept", "removed", removed, "remaining", limiter.Len())
				}
			}
		}
	})

	if healthLis != nil {
		healthServer := health.NewServer(repo, healthProbeInterval, logger)
		g.Go(func() error {
			return healthServer.Run(gctx, healthLis)
		})
	}

	return g.Wait()
}
