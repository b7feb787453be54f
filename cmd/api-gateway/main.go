package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/reimburse-api/api/swagger"
	"github.com/noah-isme/reimburse-api/internal/event"
	"github.com/noah-isme/reimburse-api/internal/handler"
	"github.com/noah-isme/reimburse-api/internal/middleware"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	"github.com/noah-isme/reimburse-api/internal/service"
	"github.com/noah-isme/reimburse-api/internal/socket"
	"github.com/noah-isme/reimburse-api/pkg/cache"
	"github.com/noah-isme/reimburse-api/pkg/config"
	"github.com/noah-isme/reimburse-api/pkg/database"
	"github.com/noah-isme/reimburse-api/pkg/export"
	"github.com/noah-isme/reimburse-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/reimburse-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/reimburse-api/pkg/middleware/requestid"
	"github.com/noah-isme/reimburse-api/pkg/storage"
)

// @title Reimbursement API
// @version 1.0.0
// @description Employee expense reimbursement workflow service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching and pubsub disabled", "error", err)
		redisClient = nil
	}

	receiptStorage, err := storage.NewLocalStorage(cfg.Receipts.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to prepare receipt storage", "error", err)
	}
	receiptSigner := storage.NewSignedURLSigner(cfg.Receipts.SignedURLSecret, cfg.Receipts.SignedURLTTL)

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	reimbursementRepo := repository.NewReimbursementRepository(db)
	reportRepo := repository.NewReportRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Instrumentation and caching.
	metricsService := service.NewMetricsService()
	cacheService := service.NewCacheService(cacheRepo, metricsService, cfg.Reports.CacheTTL, logr, cfg.Reports.CacheEnabled && redisClient != nil)

	// Change notification fan-out.
	bus := event.NewBus()
	defer bus.Close()

	hub := socket.NewHub(logr)
	defer hub.Close()

	reportService := service.NewReportService(reportRepo, cacheService, cfg.Reports.CacheTTL, logr,
		service.WithReportMetrics(metricsService))

	sinks := []event.Sink{hub, event.SinkFunc(reportService.Deliver)}
	if redisClient != nil && cfg.Notifications.Enabled {
		sinks = append(sinks, event.NewRedisPublisher(redisClient, cfg.Notifications.RedisChannel))
	}
	dispatcher := event.NewDispatcher(bus, sinks, event.DispatcherConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.BufferSize,
		Logger:     logr,
	})

	// Core services.
	authService := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "reimburse-api",
	})
	reimbursementService := service.NewReimbursementService(reimbursementRepo, userRepo, logr,
		service.WithReceiptStore(receiptStorage),
		service.WithReceiptSigner(receiptSigner, cfg.APIPrefix),
		service.WithEventPublisher(bus),
		service.WithStatusOverride(cfg.Reimbursements.EnableOverride),
	)

	// Handlers.
	authHandler := handler.NewAuthHandler(authService)
	reimbursementHandler := handler.NewReimbursementHandler(reimbursementService, handler.ReceiptPolicy{
		MaxFileSizeBytes: cfg.Receipts.MaxFileSizeBytes,
		AllowedMIMEs:     cfg.Receipts.AllowedMIMEs,
	})
	reportHandler := handler.NewReportHandler(reportService, export.NewCSVExporter(), export.NewPDFExporter())
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		status := gin.H{"status": "ready"}
		if redisClient != nil {
			if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
				status["redis"] = "unavailable"
			}
		}
		c.JSON(http.StatusOK, status)
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authService), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authService), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authService), authHandler.Me)
	}

	reimbursements := api.Group("/reimbursements", middleware.JWT(authService))
	{
		reimbursements.POST("", reimbursementHandler.Create)
		reimbursements.GET("", reimbursementHandler.List)
		reimbursements.GET("/:id", reimbursementHandler.Get)
		reimbursements.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), reimbursementHandler.Delete)
		reimbursements.POST("/:id/approve", middleware.RequireRoles(models.RoleAdmin), reimbursementHandler.Approve)
		reimbursements.POST("/:id/reject", middleware.RequireRoles(models.RoleAdmin), reimbursementHandler.Reject)
		reimbursements.POST("/:id/pay", middleware.RequireRoles(models.RoleAdmin), reimbursementHandler.Pay)
		reimbursements.POST("/:id/status", middleware.RequireRoles(models.RoleAdmin), reimbursementHandler.Override)
		reimbursements.POST("/:id/items/:itemId/receipt", reimbursementHandler.UploadReceipt)
		reimbursements.GET("/:id/items/:itemId/receipt", reimbursementHandler.ReceiptLink)
	}

	// Signed download links carry their own authorization.
	api.GET("/receipts/:token", reimbursementHandler.DownloadReceipt)

	reports := api.Group("/reports", middleware.JWT(authService), middleware.RequireRoles(models.RoleAdmin))
	{
		reports.GET("/month", reportHandler.MonthlySummary)
		reports.GET("/year", reportHandler.YearlySummary)
		reports.GET("/year/breakdown", reportHandler.YearlyBreakdown)
		reports.GET("/month/export", middleware.Audit(userRepo, "REPORT_EXPORT", "reports"), reportHandler.ExportMonth)
	}

	api.POST("/users", middleware.JWT(authService), middleware.RequireRoles(models.RoleAdmin), authHandler.CreateUser)

	api.GET("/system/metrics", middleware.JWT(authService), middleware.RequireRoles(models.RoleAdmin), metricsHandler.System)

	api.GET("/ws", middleware.JWT(authService), func(c *gin.Context) {
		claimsValue, _ := c.Get(middleware.ContextUserKey)
		claims, _ := claimsValue.(*models.JWTClaims)
		hub.Serve(c, claims)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
