package joborders

import (
	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/workflow"
)

// AnalyticsHandler 工作流分析 Handler。聚合查询走 Redis 缓存，
// 响应中以 cached 字段标记是否命中。
type AnalyticsHandler struct {
	analytics *workflow.Analytics
}

// NewAnalyticsHandler 创建 AnalyticsHandler 实例
func NewAnalyticsHandler(analytics *workflow.Analytics) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics}
}

// Metrics 查询聚合指标
// @Summary 查询工作流聚合指标
// @Description 在途工单数、各阶段分布、平均完成时长与按期完成率，五分钟缓存
// @Tags Analytics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse{data=workflow.MetricsSnapshot}
// @Router /api/workflow/metrics [get]
func (h *AnalyticsHandler) Metrics(c *gin.Context) {
	snapshot, cached, err := h.analytics.Metrics(c.Request.Context())
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"metrics": snapshot,
		"cached":  cached,
	})
}

// PhaseDistribution 查询阶段分布
// @Summary 查询阶段分布
// @Description 各阶段的在途工单数量
// @Tags Analytics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/workflow/analytics [get]
func (h *AnalyticsHandler) PhaseDistribution(c *gin.Context) {
	distribution, cached, err := h.analytics.PhaseDistribution(c.Request.Context())
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"distribution": distribution,
		"cached":       cached,
	})
}

// Bottlenecks 查询瓶颈阶段
// @Summary 查询瓶颈分析
// @Description 按平均停留时长排序的阶段瓶颈报告
// @Tags Analytics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse{data=workflow.BottleneckReport}
// @Router /api/workflow/bottlenecks [get]
func (h *AnalyticsHandler) Bottlenecks(c *gin.Context) {
	report, cached, err := h.analytics.Bottlenecks(c.Request.Context())
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"report": report,
		"cached": cached,
	})
}

// Realtime 查询实时工作流状态
// @Summary 查询实时工作流状态
// @Description 最近转换、滞留工单与活动告警，不走缓存
// @Tags Analytics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse{data=workflow.RealtimeStatus}
// @Router /api/workflow/realtime [get]
func (h *AnalyticsHandler) Realtime(c *gin.Context) {
	status, err := h.analytics.RealtimeStatus(c.Request.Context())
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, status)
}

// Summary 查询工作流汇总
// @Summary 查询工作流汇总
// @Description 面向仪表盘的轻量汇总：总数、在途数、今日转换数
// @Tags Analytics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse{data=workflow.SummarySnapshot}
// @Router /api/workflow/summary [get]
func (h *AnalyticsHandler) Summary(c *gin.Context) {
	summary, err := h.analytics.Summary(c.Request.Context())
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, summary)
}

// InvalidateCache 失效分析缓存
// @Summary 失效分析缓存
// @Description 清除全部工作流分析缓存键，下一次查询回源重算
// @Tags Analytics
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/workflow/cache/invalidate [post]
func (h *AnalyticsHandler) InvalidateCache(c *gin.Context) {
	removed, err := h.analytics.InvalidateCache(c.Request.Context())
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccessMessage(c, "Workflow analytics cache invalidated", gin.H{
		"removed_keys": removed,
	})
}
