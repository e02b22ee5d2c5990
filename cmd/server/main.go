package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appmetering "github.com/metering/backend/internal/application/metering"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/config"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/metering/backend/internal/interfaces/http/handler"
	"github.com/metering/backend/internal/interfaces/http/middleware"
	"github.com/metering/backend/internal/interfaces/http/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting metering backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("counter_backend", cfg.Counter.Backend),
	)

	// Load the tier catalog
	catalogDef, err := config.LoadCatalog(cfg.Quota.CatalogPath)
	if err != nil {
		log.Fatal("Failed to load tier catalog", zap.Error(err))
	}
	catalog, err := metering.NewTierCatalog(catalogDef)
	if err != nil {
		log.Fatal("Invalid tier catalog", zap.Error(err))
	}
	log.Info("Tier catalog loaded", zap.Int("services", len(catalog.Services())))

	clock := shared.SystemClock()

	// Wire the counter backend. Postgres and Redis backends still use the
	// database for subscriptions and the audit trail; the memory backend is
	// for local development only and runs everyone on the default tier.
	var (
		counterStore  metering.CounterStorage
		subscriptions metering.SubscriptionLookup
		audit         metering.AuditLog
		healthCheck   func() error
	)

	switch cfg.Counter.Backend {
	case config.CounterBackendMemory:
		counterStore = cache.NewInMemoryCounterStore()
		subscriptions = defaultTierOnly{}
		healthCheck = func() error { return nil }
		log.Warn("Using in-memory counter store, usage resets on restart")

	case config.CounterBackendRedis, config.CounterBackendPostgres:
		db := mustConnectDatabase(cfg, log)
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("Error closing database", zap.Error(err))
			}
		}()

		subscriptions = persistence.NewSubscriptionRepository(db.DB, clock)
		if cfg.Audit.Enabled {
			audit = persistence.NewUsageEventRepository(db.DB)
		}
		healthCheck = db.Ping

		if cfg.Counter.Backend == config.CounterBackendRedis {
			store, err := cache.NewRedisCounterStore(cache.RedisConfig{
				Host:     cfg.Redis.Host,
				Port:     cfg.Redis.Port,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			}, cfg.Counter.KeyPrefix)
			if err != nil {
				log.Fatal("Failed to connect to Redis", zap.Error(err))
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Error("Error closing Redis", zap.Error(err))
				}
			}()
			counterStore = store
			log.Info("Redis counter store connected")
		} else {
			counterStore = persistence.NewGormCounterStore(db.DB)
		}

	default:
		log.Fatal("Unknown counter backend", zap.String("backend", cfg.Counter.Backend))
	}

	ledger := metering.NewLedger(counterStore, metering.WithOperationTimeout(cfg.Counter.OperationTimeout))
	engine := appmetering.NewQuotaEngine(catalog, subscriptions, ledger, audit, clock, log)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := handler.RegisterValidations(); err != nil {
		log.Fatal("Failed to register validations", zap.Error(err))
	}

	ginEngine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := ginEngine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	ginEngine.Use(middleware.RequestID())
	ginEngine.Use(logger.Recovery(log))
	ginEngine.Use(logger.GinMiddleware(log))
	ginEngine.Use(middleware.Secure())

	// Health check endpoint (outside API versioning)
	ginEngine.GET("/health", healthHandler(healthCheck))

	r := router.NewRouter(ginEngine, router.WithAPIVersion("v1"))
	r.Register(handler.NewMeteringHandler(engine))
	r.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        ginEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

func mustConnectDatabase(cfg *config.Config, log *zap.Logger) *persistence.Database {
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connected successfully")
	return db
}

// defaultTierOnly is the subscription lookup for the memory backend: no
// subscription store exists, so every user resolves to the default tier.
type defaultTierOnly struct{}

func (defaultTierOnly) ActiveTier(context.Context, uuid.UUID, metering.Service) (string, error) {
	return "", shared.ErrNotFound
}

// healthHandler returns a handler for health check endpoints
func healthHandler(check func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := check(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"time":    time.Now().Format(time.RFC3339),
				"backend": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"time":    time.Now().Format(time.RFC3339),
			"backend": "ok",
		})
	}
}
