package joborders

import (
	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/workflow"
)

// ScheduleHandler 预约转换 Handler
type ScheduleHandler struct {
	service *workflow.Service
}

// NewScheduleHandler 创建 ScheduleHandler 实例
func NewScheduleHandler(service *workflow.Service) *ScheduleHandler {
	return &ScheduleHandler{service: service}
}

// Schedule 预约阶段转换
// @Summary 预约阶段转换
// @Description 在指定时刻自动执行转换，可附加执行前条件；条件未满足时按重排间隔推迟
// @Tags Schedules
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "工单 ID"
// @Param request body ScheduleTransitionRequest true "预约内容"
// @Success 201 {object} common.APIResponse{data=workflow.ScheduledTransition}
// @Failure 400 {object} common.APIResponse
// @Router /api/job-orders/{id}/schedules [post]
func (h *ScheduleHandler) Schedule(c *gin.Context) {
	var req ScheduleTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	actor := actorFrom(c)
	rec, err := h.service.ScheduleTransition(c.Request.Context(), workflow.ScheduleRequest{
		JobOrderID:  c.Param("id"),
		Action:      req.Action,
		ScheduledAt: req.ScheduledAt,
		Comment:     req.Comment,
		Conditions:  req.Conditions,
		CreatedBy:   actor.ID,
	}, actor)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseCreated(c, rec)
}

// ListForJobOrder 查询工单的预约转换
// @Summary 查询工单的预约转换
// @Tags Schedules
// @Security BearerAuth
// @Produce json
// @Param id path string true "工单 ID"
// @Param status query string false "按状态过滤"
// @Success 200 {object} common.APIResponse
// @Router /api/job-orders/{id}/schedules [get]
func (h *ScheduleHandler) ListForJobOrder(c *gin.Context) {
	records, err := h.service.ListScheduled(c.Request.Context(), c.Param("id"), workflow.ScheduleStatus(c.Query("status")))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"job_order": c.Param("id"),
		"count":     len(records),
		"schedules": records,
	})
}

// List 查询预约转换
// @Summary 查询预约转换列表
// @Tags Schedules
// @Security BearerAuth
// @Produce json
// @Param job_order query string false "按工单过滤"
// @Param status query string false "按状态过滤"
// @Success 200 {object} common.APIResponse
// @Router /api/schedules [get]
func (h *ScheduleHandler) List(c *gin.Context) {
	records, err := h.service.ListScheduled(c.Request.Context(), c.Query("job_order"), workflow.ScheduleStatus(c.Query("status")))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"count":     len(records),
		"schedules": records,
	})
}

// Cancel 取消预约转换
// @Summary 取消预约转换
// @Description 仅 Pending 状态可取消，取消人与原因写入记录
// @Tags Schedules
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "预约 ID"
// @Param request body CancelScheduleRequest false "取消原因"
// @Success 200 {object} common.APIResponse{data=workflow.ScheduledTransition}
// @Failure 404 {object} common.APIResponse
// @Router /api/schedules/{id}/cancel [post]
func (h *ScheduleHandler) Cancel(c *gin.Context) {
	var req CancelScheduleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.ResponseBadRequest(c, "参数错误: "+err.Error())
			return
		}
	}

	rec, err := h.service.CancelScheduled(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, rec)
}
