package joborders

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/identity"
	"jobflow/internal/workflow"
)

// TransitionRequest 触发阶段转换的请求体
type TransitionRequest struct {
	Action  string `json:"action" binding:"required"`
	Comment string `json:"comment"`
}

// BulkTransitionRequest 批量阶段转换的请求体
type BulkTransitionRequest struct {
	JobOrders []string `json:"jobOrders" binding:"required,min=1"`
	Action    string   `json:"action" binding:"required"`
	Comment   string   `json:"comment"`
}

// RollbackRequest 阶段回退的请求体
type RollbackRequest struct {
	TargetPhase string `json:"targetPhase" binding:"required"`
	Reason      string `json:"reason"`
}

// ScheduleTransitionRequest 预约阶段转换的请求体
type ScheduleTransitionRequest struct {
	Action      string                       `json:"action" binding:"required"`
	ScheduledAt time.Time                    `json:"scheduledAt" binding:"required"`
	Comment     string                       `json:"comment"`
	Conditions  []workflow.ScheduleCondition `json:"conditions"`
}

// CancelScheduleRequest 取消预约转换的请求体
type CancelScheduleRequest struct {
	Reason string `json:"reason"`
}

// AutomationRuleRequest 创建自动化规则的请求体
type AutomationRuleRequest struct {
	RuleName        string                         `json:"ruleName" binding:"required"`
	TriggerEvent    string                         `json:"triggerEvent" binding:"required"`
	Conditions      []workflow.AutomationCondition `json:"conditions"`
	Actions         []workflow.AutomationAction    `json:"actions" binding:"required,min=1"`
	IsActive        *bool                          `json:"isActive"`
	CooldownSeconds int                            `json:"cooldownSeconds"`
}

// TriggerAutomationRequest 手动触发自动化检查的请求体
type TriggerAutomationRequest struct {
	JobOrderID   string `json:"jobOrderId" binding:"required"`
	TriggerEvent string `json:"triggerEvent" binding:"required"`
}

// actorFrom 从认证上下文取出操作者。角色留给服务层按需解析，
// 令牌中已携带角色时直接使用。
func actorFrom(c *gin.Context) workflow.Actor {
	uc, ok := identity.GetUserContext(c)
	if !ok {
		return workflow.Actor{}
	}
	return workflow.Actor{ID: uc.UserID, Roles: uc.Roles}
}

// respondWorkflowError 把工作流层错误映射为统一业务错误码。
// 面向调用方的拒绝消息保持服务层原文。
func respondWorkflowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrJobOrderNotFound):
		common.ResponseError(c, common.CodeJobOrderNotFound, err.Error())
	case errors.Is(err, workflow.ErrScheduleNotFound):
		common.ResponseError(c, common.CodeScheduleNotFound, err.Error())
	case errors.Is(err, workflow.ErrScheduleNotCancellable):
		common.ResponseError(c, common.CodeScheduleNotCancellable, err.Error())
	case errors.Is(err, workflow.ErrRuleNotFound):
		common.ResponseError(c, common.CodeAutomationRuleNotFound, err.Error())
	case errors.Is(err, workflow.ErrRuleInvalid):
		common.ResponseError(c, common.CodeAutomationRuleInvalid, err.Error())
	default:
		if we, ok := workflow.AsError(err); ok {
			common.ResponseError(c, we.BusinessCode(), we.Message)
			return
		}
		common.ResponseError(c, common.CodeWorkflowInternal, err.Error())
	}
}
