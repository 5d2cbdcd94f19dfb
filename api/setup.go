package api

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"gorm.io/gorm"

	_ "jobflow/api/docs"
	authHandlers "jobflow/api/handlers/auth"
	"jobflow/api/handlers/joborders"
	notificationHandlers "jobflow/api/handlers/notifications"
	"jobflow/internal/config"
	"jobflow/internal/identity"
	"jobflow/internal/infra"
	"jobflow/internal/infra/queue"
	"jobflow/internal/logger"
	"jobflow/internal/metrics"
	middlewarepkg "jobflow/internal/middleware"
	"jobflow/internal/notification"
	"jobflow/internal/worker"
	"jobflow/internal/workflow"
	"jobflow/internal/workflow/rules"
)

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server) {
	router := gin.New()

	// 初始化 Redis（分析缓存、令牌黑名单、事件回放）
	redisClient, err := infra.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Warn("Redis 不可用，分析缓存与令牌黑名单将退回无缓存实现", zap.Error(err))
		redisClient = nil
	}

	// 初始化延迟任务队列客户端
	queueClient := queue.NewClient(cfg.Redis, cfg.Workflow.EscalationQueue)

	// 初始化认证服务
	jwtSecret := resolveJWTSecret(cfg)
	issuer := cfg.JWT.Issuer
	if issuer == "" {
		issuer = "jobflow"
	}
	tokenOpts := []identity.TokenOption{}
	if cfg.JWT.ExpiryHours > 0 {
		tokenOpts = append(tokenOpts, identity.WithAccessExpiry(time.Duration(cfg.JWT.ExpiryHours)*time.Hour))
	}
	if redisClient != nil {
		tokenOpts = append(tokenOpts, identity.WithBlacklist(redisClient))
	}
	tokenService := identity.NewTokenService(jwtSecret, issuer, tokenOpts...)
	identityStore := identity.NewStore(db, logger.Named("identity"))

	// 初始化事件总线与 WebSocket 事件流
	bus := workflow.NewEventBus(nil)
	hubOpts := []notification.HubOption{
		notification.WithHubLogger(logger.Named("feed")),
	}
	if redisClient != nil {
		hubOpts = append(hubOpts, notification.WithBacklog(notification.NewRedisBacklog(redisClient, 0, 0)))
	}
	hub := notification.NewHub(hubOpts...)
	go hub.Pump(context.Background(), bus)

	// 初始化通知通道
	notifier := buildNotifier(cfg, hub)

	// 初始化工作流内核
	registry := workflow.DefaultRegistry()
	validator := workflow.NewValidator(registry, workflow.DefaultCheckRegistry())
	history := workflow.NewHistoryTracker(db)
	actions := workflow.DefaultActionRegistry(notifier, logger.Named("workflow"))
	executor := workflow.NewExecutor(db, registry, validator, actions, history, logger.Named("workflow"),
		workflow.WithQueue(queueClient),
		workflow.WithEventBus(bus),
	)

	rulesEngine := rules.NewEngine(rules.WithLogger(logger.Named("rules")))

	schedulerOpts := []workflow.SchedulerOption{
		workflow.WithSchedulerQueue(queueClient),
	}
	if cfg.Workflow.ScheduleBackoffHours > 0 {
		schedulerOpts = append(schedulerOpts, workflow.WithBackoff(time.Duration(cfg.Workflow.ScheduleBackoffHours)*time.Hour))
	}
	scheduler := workflow.NewScheduler(db, executor, rulesEngine, logger.Named("scheduler"), schedulerOpts...)

	automationEngine := workflow.NewAutomationEngine(db, executor, rulesEngine, notifier, logger.Named("automation"))
	escalations := workflow.NewEscalationMonitor(db, registry, notifier, logger.Named("escalation"),
		workflow.WithEscalationBus(bus),
	)

	service := workflow.NewService(db, registry, validator, executor, history, logger.Named("workflow"),
		workflow.WithScheduler(scheduler),
		workflow.WithAutomation(automationEngine),
		workflow.WithRoleResolver(identityStore),
		workflow.WithRulesEngine(rulesEngine),
	)

	analyticsOpts := []workflow.AnalyticsOption{}
	if redisClient != nil {
		analyticsOpts = append(analyticsOpts, workflow.WithCache(redisClient))
	}
	if cfg.Workflow.MetricsCacheTTL > 0 {
		analyticsOpts = append(analyticsOpts, workflow.WithCacheTTL(time.Duration(cfg.Workflow.MetricsCacheTTL)*time.Second))
	}
	if cfg.Workflow.StuckThresholdHours > 0 || cfg.Workflow.BottleneckThresholdHours > 0 {
		analyticsOpts = append(analyticsOpts, workflow.WithThresholds(
			time.Duration(cfg.Workflow.StuckThresholdHours)*time.Hour,
			time.Duration(cfg.Workflow.BottleneckThresholdHours)*time.Hour,
		))
	}
	analytics := workflow.NewAnalytics(db, logger.Named("analytics"), analyticsOpts...)

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestID())
	router.Use(RequestLogger())
	router.Use(CORS())

	// Prometheus 指标收集中间件
	router.Use(metrics.PrometheusMiddleware())

	// 运行时与连接池指标后台采集
	if sqlDB, err := db.DB(); err == nil {
		metrics.NewSystemCollector(sqlDB)
	}

	// 公开端点（不需要认证）
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	handlers := &Handlers{
		Auth:       authHandlers.NewAuthHandler(identityStore, tokenService),
		JobOrders:  joborders.NewJobOrderHandler(service),
		Workflow:   joborders.NewWorkflowHandler(service),
		Schedules:  joborders.NewScheduleHandler(service),
		Automation: joborders.NewAutomationHandler(service, automationEngine),
		Analytics:  joborders.NewAnalyticsHandler(analytics),
		Feed:       notificationHandlers.NewWebSocketHandler(hub),
	}
	RegisterRoutes(router, tokenService, handlers)

	// 初始化 Worker 服务器
	workerServer, err := worker.NewServer(cfg.Redis, cfg.Workflow, scheduler, escalations, automationEngine, logger.Named("worker"))
	if err != nil {
		logger.Fatal("初始化 Worker 失败", zap.Error(err))
	}

	return router, workerServer
}

// resolveJWTSecret 解析令牌密钥。生产模式必须显式配置，
// 防止使用弱默认值。
func resolveJWTSecret(cfg *config.Config) string {
	secret := strings.TrimSpace(cfg.JWT.Secret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	}
	if secret == "" {
		appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
		if strings.EqualFold(cfg.Server.Mode, "release") || strings.EqualFold(appEnv, "prod") || strings.EqualFold(appEnv, "production") {
			logger.Fatal("JWT_SECRET_KEY 未配置，生产环境禁止使用默认密钥")
		}
		secret = "default_jwt_secret_key_change_in_production" // 本地/测试默认值，需明确提示
		logger.Warn("JWT_SECRET_KEY 未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}
	return secret
}

// buildNotifier 按配置组装通知通道。邮件与 Webhook 按开关接入，
// WebSocket 事件流始终在线。
func buildNotifier(cfg *config.Config, hub *notification.Hub) *notification.MultiNotifier {
	opts := []notification.NotifierOption{
		notification.WithNotifierLogger(logger.Named("notify")),
		notification.WithFeedChannel(hub),
	}
	if cfg.Notify.Email.Enabled {
		opts = append(opts, notification.WithEmailChannel(&notification.EmailConfig{
			SMTPHost: cfg.Notify.Email.Host,
			SMTPPort: cfg.Notify.Email.Port,
			Username: cfg.Notify.Email.Username,
			Password: cfg.Notify.Email.Password,
			From:     cfg.Notify.Email.From,
		}))
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.DefaultURL != "" {
		opts = append(opts, notification.WithWebhookChannel(&notification.WebhookConfig{
			URL:     cfg.Notify.Webhook.DefaultURL,
			Timeout: time.Duration(cfg.Notify.Webhook.TimeoutSeconds) * time.Second,
		}))
	}
	return notification.NewMultiNotifier(opts...)
}
