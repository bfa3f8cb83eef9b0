package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/middlewares"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func init() {
	// Keep JSON numbers exact until the validator turns them into decimals.
	binding.EnableDecoderUseNumber = true
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	// Production requires an explicit allowlist; elsewhere allow all.
	if config.IsProduction() {
		corsConfig.AllowOrigins = config.CorsAllowedOrigins()
		if len(corsConfig.AllowOrigins) == 0 {
			// Deny all if not configured in production.
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.ActorHeader, middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationIdHeader)
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

// newRouter builds the engine. ready gates the API until dependencies are
// connected; nil means always ready.
func newRouter(deps *apiDeps, ready func() bool, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationIdMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(func(c *gin.Context) {
		if ready != nil && !ready() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting"})
			return
		}
		c.Next()
	})
	r.Use(corsMiddleware())
	r.Use(extra...)
	r.Use(middlewares.ActorMiddleware())
	r.Use(customErrorLogger(deps.Logger))
	r.Use(gin.Recovery())

	registerDailyRecordRoutes(r.Group("/api/daily-records"), deps)
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Routes are registered against deps that are filled in once the
	// database is up; the readiness gate keeps requests out until then.
	deps := &apiDeps{
		Logger:        logger,
		Threshold:     config.VarianceThreshold(),
		AuditMaxLimit: config.AuditQueryMaxLimit(),
		Today:         func() models.Date { return models.DateOf(time.Now()) },
	}
	if utils.GCSArchiveEnabled() {
		deps.Archive = func(ctx context.Context, objectName string, data []byte) error {
			return utils.UploadBytesToGCS(ctx, objectName, data, "")
		}
	}

	var ready atomic.Bool
	var extra []gin.HandlerFunc
	// Optional rate limiting.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	rateLimitEnabled := strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true")
	if rateLimitEnabled {
		extra = append(extra, func(c *gin.Context) {
			if limiter := rateLimiter.Load(); limiter != nil {
				limiter.Middleware()(c)
				return
			}
			c.Next()
		})
	}
	r := newRouter(deps, ready.Load, extra...)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	var locker models.DateLocker = models.NewLocalDateLocker(config.DateLockTimeout())
	if config.RedisConfigured() {
		if err := config.ConnectRedisWithRetry(sigCtx); err == nil {
			locker = models.NewRedisDateLocker(config.GetRedisLock(), config.DateLockTimeout())
			if rateLimitEnabled {
				limit := int64(600)
				if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
					if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
						limit = n
					}
				}
				windowSec := int64(60)
				if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
					if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
						windowSec = n
					}
				}
				rateLimiter.Store(middlewares.NewRateLimiter(config.GetRedisDB(), limit, time.Duration(windowSec)*time.Second))
			}
		}
	}

	// AutoMigrate can block tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	deps.DB = db
	deps.Store = models.NewRecordStore(db, locker, logger)
	deps.Importer = workflow.NewBulkImporter(deps.Store, config.ImportWorkers(), logger)
	ready.Store(true)

	// Outbox dispatcher publishes AFTER commit.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.PubSubConfigured() {
		publisher, err := config.NewPubSubPublisher(sigCtx, config.DailyRecordEventsTopic())
		if err != nil {
			config.LogError(logger, "server.go", "main", "pubsub publisher", config.DailyRecordEventsTopic(), err)
		} else {
			defer publisher.Stop()
			go workflow.NewOutboxDispatcher(db, publisher, logger).Run(dispatcherCtx)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "outbox"}).Warn("pubsub not configured; record events stay in the outbox")
	}

	log.Printf("Server started successfully on :%s", port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

var rateLimiter atomic.Pointer[middlewares.RateLimiter]
