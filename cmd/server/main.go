package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shepherd/internal/config"
	"shepherd/internal/handlers"
	"shepherd/internal/middleware"
	"shepherd/internal/models"
	"shepherd/internal/observability"
	"shepherd/internal/services"
	"shepherd/pkg/courier"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	appLogger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&models.Church{}, &models.Member{}, &models.Visitor{},
		&models.ChannelSetting{}, &models.NotificationTemplate{}, &models.DomainEvent{},
		&models.AutomationRule{}, &models.ExecutionRecord{}, &models.ChannelAttempt{},
		&models.ExecutionTransition{}, &models.ApprovalTask{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delivery stack: courier provider behind per-channel adapters with
	// circuit breakers.
	courierClient := courier.NewClient(&courier.Config{
		BaseURL: cfg.Courier.BaseURL,
		APIKey:  cfg.Courier.APIKey,
		Timeout: cfg.Courier.Timeout,
	}, appLogger)
	var breakerCfg *services.CircuitBreakerConfig
	if cfg.Engine.CircuitBreaker.Enabled {
		breakerCfg = &services.CircuitBreakerConfig{
			MaxFailures:     cfg.Engine.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.Engine.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.Engine.CircuitBreaker.HalfOpenMaxReqs,
		}
	}
	adapters := services.NewAdapterRegistry(db, appLogger, cfg.Engine.AdapterTimeout, breakerCfg)
	for _, adapter := range services.NewCourierAdapters(courierClient) {
		adapters.Register(adapter)
	}

	// Engine stack.
	clock := services.NewSystemClock()
	ledger := services.NewLedgerService(db, appLogger, clock)
	recipients := services.NewRecipientResolver(db, appLogger)
	executor := services.NewActionExecutor(ledger, adapters, recipients, appLogger, clock)
	approvals := services.NewApprovalService(db, ledger, appLogger, clock)
	engine := services.NewEngine(db, ledger, executor, approvals, appLogger, clock, services.EngineOptions{
		Workers:       cfg.Engine.Workers,
		QueueSize:     cfg.Engine.QueueSize,
		SweepInterval: cfg.Engine.SweepInterval,
	})
	escalation := services.NewEscalationScheduler(ledger, adapters, recipients, appLogger, clock)
	rules := services.NewRuleService(db, appLogger)

	feed := services.NewOpsFeed(appLogger)
	ledger.SetFeed(feed)
	escalation.SetFeed(feed)
	go feed.Run()

	go engine.Start(ctx)
	go escalation.Start(ctx, cfg.Engine.EscalationInterval)

	// HTTP surface.
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db, courierClient, adapters)
	r.GET("/health", healthHandler.Health)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, healthHandler.Metrics)
	}

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))

	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(engine, appLogger))
	handlers.RegisterExecutionRoutes(api, handlers.NewExecutionHandler(ledger, appLogger))

	settingsAPI := api.Group("/")
	settingsAPI.Use(middleware.RequireRole("pastor"))
	handlers.RegisterRuleRoutes(settingsAPI, handlers.NewRuleHandler(rules, appLogger))

	approvalAPI := api.Group("/")
	approvalAPI.Use(middleware.RequireRole("pastor"))
	handlers.RegisterApprovalRoutes(approvalAPI, handlers.NewApprovalHandler(approvals, appLogger))

	feedHandler := handlers.NewOpsFeedHandler(feed)
	api.GET("/ws", feedHandler.HandleWebSocket)
	api.GET("/ws/stats", feedHandler.GetStats)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		appLogger.Infof("shepherd listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("server shutdown: %v", err)
	}
}
