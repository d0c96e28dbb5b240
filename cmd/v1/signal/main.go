package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clipboardpush/signal-coordinator/internal/v1/bus"
	"github.com/clipboardpush/signal-coordinator/internal/v1/config"
	"github.com/clipboardpush/signal-coordinator/internal/v1/dispatcher"
	"github.com/clipboardpush/signal-coordinator/internal/v1/health"
	"github.com/clipboardpush/signal-coordinator/internal/v1/lanprobe"
	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
	"github.com/clipboardpush/signal-coordinator/internal/v1/middleware"
	"github.com/clipboardpush/signal-coordinator/internal/v1/objectstore"
	"github.com/clipboardpush/signal-coordinator/internal/v1/ratelimit"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
	"github.com/clipboardpush/signal-coordinator/internal/v1/relay"
	"github.com/clipboardpush/signal-coordinator/internal/v1/transfer"
	"github.com/clipboardpush/signal-coordinator/internal/v1/wsocket"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	ctx := context.Background()

	var redisService *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis")
		}
		redisClient = redisService.Client()
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter")
	}

	var store objectstore.Store
	var localStore *objectstore.LocalStore
	var housekeeper *objectstore.Housekeeper
	if cfg.StorageBackend == "local" {
		localStore, err = objectstore.NewLocalStore(cfg.LocalStoragePath, cfg.LocalStorageBaseURL)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize local object store")
		}
		store = localStore
		housekeeper = objectstore.NewHousekeeper(localStore)
		housekeeper.Start()
		defer housekeeper.Stop()
	} else {
		store = objectstore.NewS3Store(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2BucketName)
	}

	reg := registry.New()
	allowedOrigins := splitOrigins(cfg.AllowedOrigins)

	hub := wsocket.NewHub(reg, limiter, nil, allowedOrigins, redisService)
	probes := lanprobe.New(reg, hub)
	transfers := transfer.New(reg, hub)
	disp := dispatcher.New(reg, hub, probes, transfers)
	disp.SetEventLimiter(limiter)
	disp.SetDebugLogging(cfg.SignalDebugEnabled, cfg.SignalDebugMaxChars)
	hub.SetRouter(disp)

	relayHandler := relay.NewHandler(reg, hub)
	storeHandler := objectstore.NewHandler(store)
	healthHandler := health.NewHandler(redisService, store)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/:room", hub.ServeWS)

	api := router.Group("/api")
	api.Use(limiter.HTTPMiddleware())
	{
		api.POST("/relay", relayHandler.Relay)
		api.POST("/file/upload_auth", storeHandler.UploadAuth)
		if cfg.StorageBackend == "local" {
			api.PUT("/file/upload/:key", storeHandler.UploadLocal)
			api.GET("/file/download/:key", storeHandler.DownloadLocal)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signal coordinator starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "server forced to shutdown")
	}

	if redisService != nil {
		redisService.Close()
	}

	logging.Info(ctx, "shutdown complete")
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
