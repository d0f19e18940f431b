package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	intDatabase "wavelink-backend/internal/database"
	callHandler "wavelink-backend/internal/handler/http/call"
	"wavelink-backend/internal/middleware"
	"wavelink-backend/internal/repository/cockroach"
	redisRepo "wavelink-backend/internal/repository/redis"
	callService "wavelink-backend/internal/service/call"
	"wavelink-backend/internal/service/notification"
	"wavelink-backend/pkg/constants"
	pkgDatabase "wavelink-backend/pkg/database"
	"wavelink-backend/pkg/env"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	ctx := context.Background()
	productionMode := os.Getenv("ENV") == "production"

	// 1. Connect to CockroachDB with exponential backoff retry
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 26257),
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "wavelink"),
		SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
	}

	db, err := connectWithRetry(ctx, dbConfig)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Connected to CockroachDB",
		zap.String("host", dbConfig.Host),
		zap.String("database", dbConfig.Database))

	callRepo := cockroach.NewCallRepository(db.Pool)
	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)

	// 2. Connect to Redis with degraded mode support
	intDatabase.InitRedisMetrics()
	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       env.GetInt("REDIS_DB", 0),
		PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		Timeout:  5 * time.Second,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		logger.Fatal("Failed to initialize Redis client", zap.Error(err))
	}
	defer redisDB.Close()

	go redisDB.StartHealthCheck(ctx, 10*time.Second)
	logger.Info("Redis health check started", zap.Duration("interval", 10*time.Second))

	// 3. Push notification service
	pushProvider, err := push.NewProvider()
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	if _, isMock := pushProvider.(*push.MockProvider); isMock && productionMode {
		logger.Fatal("Mock push provider is not allowed in production, set PUSH_PROVIDER=fcm")
	}

	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB)
	pushSvc := push.NewService(pushProvider, pushTokenRepo)
	dispatcher := notification.NewDispatcher(pushSvc)

	// 4. Call session manager
	ringTimeout := env.GetDuration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout)
	callSvc := callService.NewService(
		callRepo,
		conversationRepo,
		userRepo,
		callService.NewActiveCallIndex(),
		callService.NewRingTimerRegistry(),
		dispatcher,
		ringTimeout,
	)
	logger.Info("Call service initialized", zap.Duration("ring_timeout", ringTimeout))

	// 5. Operational HTTP surface: health, metrics, read-only diagnostics
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if err := db.Ping(c.Request.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":         status,
			"service":        "call-service",
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Read-only diagnostics; call control goes through the service API
	callHdlr := callHandler.NewHandler(callSvc)
	v1 := router.Group("/v1")
	{
		v1.GET("/calls/stats", callHdlr.GetStats)
		v1.GET("/calls/:id", callHdlr.GetCall)
		v1.GET("/users/:id/calls", callHdlr.GetUserCallHistory)
		v1.GET("/users/:id/active-call", callHdlr.GetActiveCall)
	}

	port := env.GetString("PORT", "8083")
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		logger.Info("Call service starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Call service stopped")
}

// connectWithRetry attempts the CockroachDB connection with exponential
// backoff, capped per attempt
func connectWithRetry(ctx context.Context, cfg *pkgDatabase.CockroachConfig) (*pkgDatabase.CockroachDB, error) {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
	if err == nil {
		return db, nil
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)

		db, err = pkgDatabase.NewCockroachDB(ctx, cfg)
		if err == nil {
			return db, nil
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
}
