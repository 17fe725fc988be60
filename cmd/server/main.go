package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcontext/internal/bootstrap"
	"chatcontext/internal/config"
	"chatcontext/internal/handlers"
	"chatcontext/internal/jobs"
	"chatcontext/internal/logging"
	"chatcontext/internal/middleware"
	"chatcontext/internal/services"
	"chatcontext/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

const requestTimeout = 90 * time.Second

func main() {
	// Load .env file (ignore error if file doesn't exist)
	envErr := godotenv.Load()

	cfg := config.Load()
	logging.Init(cfg.Environment, cfg.LogLevel)
	log := logging.Component("server")

	if envErr != nil {
		log.WithError(envErr).Debug("No .env file loaded")
	}

	if cfg.ConfigFile != "" {
		tunables, err := config.LoadTunablesFile(cfg.ConfigFile, cfg.Tunables)
		if err != nil {
			log.WithError(err).Fatal("Failed to load tunables file")
		}
		cfg.Tunables = tunables
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.WithField("port", cfg.Port).WithField("storage", cfg.StorageBackend).Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)

	svc, err := bootstrap.Build(ctx, cfg, metrics)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize services")
	}

	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, 0)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize JWT auth")
		}
	} else {
		log.Warn("JWT_SECRET not set: every request is served as " + middleware.DevUserID)
	}

	scheduler, err := jobs.NewJobScheduler()
	if err != nil {
		log.WithError(err).Fatal("Failed to create job scheduler")
	}
	cleanup := jobs.NewCacheCleanupJob(svc.Cache, func() int {
		return svc.Tunables().Cache.MaxEntriesPerUser
	})
	if err := scheduler.Register(jobs.CacheCleanupJobName, cfg.Tunables.Cache.CleanupSchedule, cleanup); err != nil {
		log.WithError(err).Fatal("Failed to register cache cleanup job")
	}
	scheduler.Start()

	if cfg.ConfigFile != "" {
		go func() {
			if err := config.WatchTunables(ctx, cfg.ConfigFile, cfg.Tunables, svc.ApplyTunables); err != nil {
				log.WithError(err).Warn("Tunables watcher stopped")
			}
		}()
	}

	app := fiber.New(fiber.Config{
		AppName:      "chatcontext",
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		IdleTimeout:  2 * time.Minute,
		BodyLimit:    services.MaxDocumentSize + 1024*1024,
	})

	app.Use(recover.New())

	prom := fiberprometheus.New("chatcontext")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	rateLimitConfig := middleware.LoadRateLimitConfig(cfg.Environment)
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	checks := make(map[string]handlers.HealthCheck, len(svc.Checks))
	for name, check := range svc.Checks {
		checks[name] = check
	}

	connManager := services.NewConnectionManager(metrics)
	routes := &handlers.Routes{
		Health:      handlers.NewHealthHandler(connManager, checks),
		Chat:        handlers.NewChatHandler(svc.RAG, requestTimeout),
		WebSocket:   handlers.NewWebSocketHandler(connManager, svc.RAG, metrics, requestTimeout),
		Knowledge:   handlers.NewKnowledgeHandler(svc.Knowledge, svc.Documents, svc.RAG),
		Cache:       handlers.NewCacheHandler(svc.Cache),
		Insight:     handlers.NewInsightHandler(svc.Insights),
		Auth:        middleware.LocalAuthMiddleware(jwtAuth, cfg.Environment),
		ChatQuota:   middleware.ChatQuota(svc.Redis, cfg.ChatQuotaPerMinute),
		WSRateLimit: middleware.WebSocketRateLimiter(rateLimitConfig),
	}
	routes.Mount(app)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down")
		cancel()

		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	log.WithField("port", cfg.Port).Info("Server listening")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.WithError(err).Error("Server stopped")
	}

	if err := scheduler.Stop(); err != nil {
		log.WithError(err).Warn("Scheduler shutdown failed")
	}
	svc.Close()
	log.Info("Server exited")
}
