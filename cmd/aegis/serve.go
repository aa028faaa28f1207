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
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/aegis/internal/api"
	"github.com/ashureev/aegis/internal/assist"
	"github.com/ashureev/aegis/internal/health"
	"github.com/ashureev/aegis/internal/identity"
	"github.com/ashureev/aegis/internal/metrics"
	"github.com/ashureev/aegis/internal/middleware"
	"github.com/ashureev/aegis/internal/session"
	"github.com/ashureev/aegis/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	healthInterval  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func serveCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, assistant channel and gRPC health server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *logLevel)
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(ctx context.Context, logLevel string) error {
	cfg, logger, err := loadConfig(logLevel, os.Stdout)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"runner_mode", cfg.Runner.Mode,
		"model", cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	machine, client, release, err := buildMachine(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer release()

	// Initialize services.
	svc := session.NewService(repo, machine, session.WithServiceLogger(logger))
	assistMgr := assist.NewManager(m)
	svc.OnClosed(assistMgr.Close)

	store.StartTTLWorker(ctx, repo, cfg.SessionTTL, ttlInterval(cfg.SessionTTL), svc.Expired)
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window)

	// Initialize handlers.
	apiHandler := api.NewHandler(svc, api.Info{Model: client.Model(), RunnerMode: cfg.Runner.Mode}, cfg.ActionTimeout)
	assistHandler := assist.NewHandler(svc, assistMgr, cfg.CORSOrigins, cfg.IsDevelopment(), cfg.ActionTimeout)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		r.Use(limiter.Limit(completionKey))
		apiHandler.RegisterRoutes(r)
		assistHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // submissions and WebSockets outlive a fixed write deadline
		IdleTimeout:       120 * time.Second,
	}

	var grpcLis net.Listener
	if cfg.GRPCPort != "" {
		if grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort); err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		hs := health.NewServer(repo, logger)
		hs.Watch(gctx, healthInterval)
		g.Go(func() error {
			if err := hs.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.Stop()
			return nil
		})
	}

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

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// completionKey limits only the actions that call the completion service.
func completionKey(r *http.Request) string {
	if r.Method != http.MethodPost {
		return ""
	}
	for _, suffix := range []string{"/generate", "/ask", "/submit"} {
		if strings.HasSuffix(r.URL.Path, suffix) {
			return identity.CandidateIDFromContext(r.Context())
		}
	}
	return ""
}

// ttlInterval sweeps a few times per TTL, bounded to [10s, 5m].
func ttlInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, 10*time.Second), 5*time.Minute)
}
