package api

import (
	"github.com/gin-gonic/gin"

	authHandlers "jobflow/api/handlers/auth"
	"jobflow/api/handlers/joborders"
	notificationHandlers "jobflow/api/handlers/notifications"
	"jobflow/internal/identity"
	middlewarepkg "jobflow/internal/middleware"
)

// Handlers 全部 API Handler 的集合，由 SetupRouter 组装
type Handlers struct {
	Auth       *authHandlers.AuthHandler
	JobOrders  *joborders.JobOrderHandler
	Workflow   *joborders.WorkflowHandler
	Schedules  *joborders.ScheduleHandler
	Automation *joborders.AutomationHandler
	Analytics  *joborders.AnalyticsHandler
	Feed       *notificationHandlers.WebSocketHandler
}

// RegisterRoutes 注册所有 API 路由。认证路由公开，
// 业务路由同时挂载在 /api 与 /api/v1 下。
func RegisterRoutes(router *gin.Engine, tokens *identity.TokenService, h *Handlers) {
	registerAuthRoutes(router, h)

	// 主 API 组（向后兼容）
	apiGroup := router.Group("/api")
	apiGroup.Use(identity.AuthMiddleware(tokens))
	registerAPIRoutes(apiGroup, h)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	apiV1.Use(identity.AuthMiddleware(tokens))
	registerAPIRoutes(apiV1, h)
}

// registerAuthRoutes 注册认证相关路由（公开）。登录端点按
// 客户端 IP 收紧限流，抑制口令爆破。
func registerAuthRoutes(router *gin.Engine, h *Handlers) {
	loginLimiter := middlewarepkg.NewRateLimiter(middlewarepkg.LoginRateLimiterConfig())

	authGroup := router.Group("/api/auth")
	authGroup.Use(middlewarepkg.RateLimitByEndpoint(loginLimiter))
	{
		authGroup.POST("/login", h.Auth.Login)
		authGroup.POST("/refresh", h.Auth.Refresh)
		authGroup.POST("/logout", h.Auth.Logout)
	}
}

// registerAPIRoutes 注册需要认证的 API 路由
func registerAPIRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	apiGroup.GET("/auth/me", h.Auth.Me)

	// 工作流事件实时推送
	apiGroup.GET("/workflow/events/ws", h.Feed.Connect)

	registerJobOrderRoutes(apiGroup, h)
	registerWorkflowRoutes(apiGroup, h)
	registerScheduleRoutes(apiGroup, h)
	registerAutomationRoutes(apiGroup, h)
}

// registerJobOrderRoutes 工单 CRUD 与转换操作
func registerJobOrderRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	jobOrders := apiGroup.Group("/job-orders")
	{
		jobOrders.POST("", h.JobOrders.Create)
		jobOrders.GET("", h.JobOrders.List)
		jobOrders.POST("/bulk-transition", h.Workflow.BulkTransition)

		jobOrders.GET("/:id", h.JobOrders.Get)
		jobOrders.PUT("/:id", h.JobOrders.Update)

		jobOrders.POST("/:id/transition", h.Workflow.Transition)
		jobOrders.POST("/:id/transition/validate", h.Workflow.Validate)
		jobOrders.GET("/:id/transitions", h.Workflow.AvailableTransitions)
		jobOrders.POST("/:id/rollback", h.Workflow.Rollback)
		jobOrders.GET("/:id/status", h.Workflow.Status)
		jobOrders.GET("/:id/history", h.Workflow.History)
		jobOrders.GET("/:id/prerequisites", h.Workflow.Prerequisites)

		jobOrders.POST("/:id/schedules", h.Schedules.Schedule)
		jobOrders.GET("/:id/schedules", h.Schedules.ListForJobOrder)
	}
}

// registerWorkflowRoutes 状态机配置与分析查询
func registerWorkflowRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	wf := apiGroup.Group("/workflow")
	{
		wf.GET("/phases", h.Workflow.Phases)
		wf.GET("/phases/:phase", h.Workflow.PhaseRequirements)
		wf.GET("/phases/:phase/jobs", h.Workflow.JobsByPhase)
		wf.GET("/jobs-by-phase", h.Workflow.JobsGroupedByPhase)
		wf.GET("/export", h.Workflow.ExportRegistry)

		wf.GET("/metrics", h.Analytics.Metrics)
		wf.GET("/analytics", h.Analytics.PhaseDistribution)
		wf.GET("/bottlenecks", h.Analytics.Bottlenecks)
		wf.GET("/realtime", h.Analytics.Realtime)
		wf.GET("/summary", h.Analytics.Summary)
		wf.POST("/cache/invalidate", h.Analytics.InvalidateCache)
	}
}

// registerScheduleRoutes 预约转换管理
func registerScheduleRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	schedules := apiGroup.Group("/schedules")
	{
		schedules.GET("", h.Schedules.List)
		schedules.POST("/:id/cancel", h.Schedules.Cancel)
	}
}

// registerAutomationRoutes 自动化规则管理
func registerAutomationRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	automation := apiGroup.Group("/automation")
	{
		automation.POST("/rules", h.Automation.CreateRule)
		automation.GET("/rules", h.Automation.ListRules)
		automation.GET("/rules/:id", h.Automation.GetRule)
		automation.PUT("/rules/:id", h.Automation.UpdateRule)
		automation.DELETE("/rules/:id", h.Automation.DeleteRule)
		automation.POST("/trigger", h.Automation.Trigger)
		automation.GET("/logs", h.Automation.ListLogs)
	}
}
