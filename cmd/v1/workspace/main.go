package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/config"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/health"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/kv"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/lease"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/logging"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/middleware"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/presence"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/ratelimit"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/roomstore"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/session"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/snapshot"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.OTLPCollectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "workspace-go", cfg.OTLPCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Redis Initialization ---
	// Redis holds all authoritative session state; it is mandatory.
	kvService, err := kv.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}
	slog.Info("✅ Redis initialized", "addr", cfg.RedisAddr)

	// --- Stores and Hub ---
	stores := session.Stores{
		Leases:    lease.NewStore(kvService),
		Presence:  presence.NewStore(kvService),
		Snapshots: snapshot.NewStore(kvService, cfg.SnapshotMaxBytes),
		Records:   roomstore.NewStore(kvService, cfg.MaxUsersDefault),
	}
	hub := session.NewHub(cfg, stores)

	// --- Reaper ---
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaper := session.NewReaper(hub, stores.Presence, cfg.ReaperInterval, cfg.UserTTL)
	go reaper.Run(reaperCtx)

	// --- Rate Limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, kvService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Set up Server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = session.AllowedOrigins(cfg)
	router.Use(cors.New(corsConfig))

	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("workspace-go"))
	router.Use(middleware.CorrelationID())

	// Routing
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/workspace/:roomId", func(c *gin.Context) {
			if !rateLimiter.CheckWebSocket(c) {
				return
			}
			hub.ServeWs(c)
		})
	}

	apiGroup := router.Group("/api/v1")
	{
		apiGroup.GET("/rooms/:roomId", rateLimiter.RoomsMiddleware(), hub.RoomInfo)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(kvService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the reaper, then disconnect every session cleanly.
	stopReaper()
	hub.Shutdown(ctx)

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if err := kvService.Close(); err != nil {
		slog.Error("Failed to close Redis connection:", "error", err)
	} else {
		slog.Info("Redis connection closed")
	}

	slog.Info("Server exiting")
}
