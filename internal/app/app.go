package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowpay/gateway/internal/module/merchant"
	"github.com/flowpay/gateway/internal/module/payment"
	"github.com/flowpay/gateway/internal/module/webhook"
	"github.com/flowpay/gateway/internal/shared/cache"
	"github.com/flowpay/gateway/internal/shared/config"
	"github.com/flowpay/gateway/internal/shared/database"
	"github.com/flowpay/gateway/internal/shared/lock"
	"github.com/flowpay/gateway/internal/shared/logger"
	"github.com/flowpay/gateway/internal/utils/metrics"
)

// App wires the consistency and delivery core together.
type App struct {
	config *config.Config
	db     *gorm.DB
	redis  redis.UniversalClient
	router *gin.Engine
	logger *zap.Logger

	locks     *lock.Manager
	scheduler *webhook.Scheduler

	merchantService *merchant.Service
	paymentService  *payment.Service
	webhookService  *webhook.Service
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := database.Migrate(db, &payment.Payment{}, &webhook.Attempt{}, &merchant.Merchant{}); err != nil {
		return nil, err
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	m := metrics.New("flowpay")
	locks := lock.NewManager(redisClient, cfg.Lock, m, log)

	merchantRepo := merchant.NewRepository(db)
	merchantService := merchant.NewService(merchantRepo, log)

	webhookRepo := webhook.NewRepository(db)
	webhookService := webhook.NewService(webhookRepo, log)

	paymentRepo := payment.NewRepository(db)
	paymentService := payment.NewService(db, paymentRepo, locks, webhookService, merchantService, m, log)

	sender := webhook.NewSender(cfg.Webhook.RequestTimeout, log)
	scheduler := webhook.NewScheduler(webhookRepo, paymentService, merchantService, sender, cfg.Webhook, m, log)

	app := &App{
		config:          cfg,
		db:              db,
		redis:           redisClient,
		logger:          log,
		locks:           locks,
		scheduler:       scheduler,
		merchantService: merchantService,
		paymentService:  paymentService,
		webhookService:  webhookService,
	}
	app.router = app.buildRouter(m)
	return app, nil
}

func (a *App) buildRouter(m *metrics.Metrics) *gin.Engine {
	if a.config.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())
	r.Use(requestMetrics(m))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	payment.NewHandler(a.paymentService).RegisterRoutes(api)
	merchant.NewHandler(a.merchantService).RegisterRoutes(api)
	webhook.NewHandler(a.webhookService).RegisterRoutes(api)

	return r
}

// requestMetrics records per-request counters and latency.
func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveHTTPRequest(
			c.Request.Method,
			path,
			fmt.Sprintf("%d", c.Writer.Status()),
			time.Since(start),
		)
	}
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Start launches background components.
func (a *App) Start() {
	a.scheduler.Start(context.Background())
}

// Stop shuts down background components and connections.
func (a *App) Stop() {
	a.scheduler.Stop()
	if err := cache.Close(a.redis); err != nil {
		a.logger.Warn("close redis", zap.Error(err))
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
