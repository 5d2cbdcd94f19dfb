package joborders

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/workflow"
)

// AutomationHandler 自动化规则 Handler
type AutomationHandler struct {
	service    *workflow.Service
	automation *workflow.AutomationEngine
}

// NewAutomationHandler 创建 AutomationHandler 实例
func NewAutomationHandler(service *workflow.Service, automation *workflow.AutomationEngine) *AutomationHandler {
	return &AutomationHandler{service: service, automation: automation}
}

// CreateRule 创建自动化规则
// @Summary 创建自动化规则
// @Description 规则名全局唯一，条件与动作类型在创建时校验
// @Tags Automation
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body AutomationRuleRequest true "规则定义"
// @Success 201 {object} common.APIResponse{data=workflow.AutomationRule}
// @Failure 400 {object} common.APIResponse
// @Router /api/automation/rules [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rule := &workflow.AutomationRule{
		RuleName:        req.RuleName,
		TriggerEvent:    req.TriggerEvent,
		Conditions:      req.Conditions,
		Actions:         req.Actions,
		IsActive:        active,
		CooldownSeconds: req.CooldownSeconds,
		CreatedBy:       actorFrom(c).ID,
	}

	created, err := h.automation.CreateRule(c.Request.Context(), rule)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseCreated(c, created)
}

// GetRule 查询自动化规则
// @Summary 查询自动化规则
// @Tags Automation
// @Security BearerAuth
// @Produce json
// @Param id path string true "规则 ID"
// @Success 200 {object} common.APIResponse{data=workflow.AutomationRule}
// @Failure 404 {object} common.APIResponse
// @Router /api/automation/rules/{id} [get]
func (h *AutomationHandler) GetRule(c *gin.Context) {
	rule, err := h.automation.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, rule)
}

// ListRules 查询自动化规则列表
// @Summary 查询自动化规则列表
// @Tags Automation
// @Security BearerAuth
// @Produce json
// @Param trigger_event query string false "按触发事件过滤"
// @Param active_only query bool false "仅启用的规则"
// @Success 200 {object} common.APIResponse
// @Router /api/automation/rules [get]
func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.automation.ListRules(c.Request.Context(), c.Query("trigger_event"), c.Query("active_only") == "true")
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"count": len(rules),
		"rules": rules,
	})
}

// UpdateRule 更新自动化规则
// @Summary 更新自动化规则
// @Description 零值字段保持不变
// @Tags Automation
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "规则 ID"
// @Param request body workflow.AutomationRuleUpdate true "待更新字段"
// @Success 200 {object} common.APIResponse{data=workflow.AutomationRule}
// @Failure 404 {object} common.APIResponse
// @Router /api/automation/rules/{id} [put]
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var req workflow.AutomationRuleUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	rule, err := h.automation.UpdateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, rule)
}

// DeleteRule 删除自动化规则
// @Summary 删除自动化规则
// @Tags Automation
// @Security BearerAuth
// @Produce json
// @Param id path string true "规则 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/automation/rules/{id} [delete]
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	if err := h.automation.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccessMessage(c, "Automation rule deleted", nil)
}

// Trigger 手动触发自动化检查
// @Summary 手动触发自动化检查
// @Description 对指定工单立即评估事件对应的自动化规则
// @Tags Automation
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body TriggerAutomationRequest true "工单与触发事件"
// @Success 200 {object} common.APIResponse{data=workflow.AutomationReport}
// @Failure 404 {object} common.APIResponse
// @Router /api/automation/trigger [post]
func (h *AutomationHandler) Trigger(c *gin.Context) {
	var req TriggerAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	report, err := h.service.TriggerAutomation(c.Request.Context(), req.JobOrderID, req.TriggerEvent)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, report)
}

// ListLogs 查询自动化执行日志
// @Summary 查询自动化执行日志
// @Tags Automation
// @Security BearerAuth
// @Produce json
// @Param job_order query string false "按工单过滤"
// @Param rule_id query string false "按规则过滤"
// @Param limit query int false "返回数量上限"
// @Success 200 {object} common.APIResponse
// @Router /api/automation/logs [get]
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	logs, err := h.automation.ListLogs(c.Request.Context(), c.Query("job_order"), c.Query("rule_id"), limit)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"count": len(logs),
		"logs":  logs,
	})
}
