package joborders

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/workflow"
)

// WorkflowHandler 阶段转换 Handler，覆盖转换执行、预检、
// 回退与工作流状态查询。
type WorkflowHandler struct {
	service *workflow.Service
}

// NewWorkflowHandler 创建 WorkflowHandler 实例
func NewWorkflowHandler(service *workflow.Service) *WorkflowHandler {
	return &WorkflowHandler{service: service}
}

// Transition 执行阶段转换
// @Summary 执行阶段转换
// @Description 按动作名或目标阶段名执行一次转换，拒绝时返回具体失败类别
// @Tags Workflow
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "工单 ID"
// @Param request body TransitionRequest true "转换动作"
// @Success 200 {object} common.APIResponse{data=workflow.TransitionResult}
// @Failure 403 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/job-orders/{id}/transition [post]
func (h *WorkflowHandler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.service.RequestTransition(c.Request.Context(), c.Param("id"), req.Action, actorFrom(c), req.Comment)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// BulkTransition 批量执行阶段转换
// @Summary 批量执行阶段转换
// @Description 对多个工单执行同一动作，逐个隔离处理并汇总结果
// @Tags Workflow
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body BulkTransitionRequest true "工单列表与动作"
// @Success 200 {object} common.APIResponse{data=workflow.BulkResult}
// @Failure 400 {object} common.APIResponse
// @Router /api/job-orders/bulk-transition [post]
func (h *WorkflowHandler) BulkTransition(c *gin.Context) {
	var req BulkTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.service.BulkTransition(c.Request.Context(), req.JobOrders, req.Action, actorFrom(c), req.Comment)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// Rollback 回退到先前阶段
// @Summary 回退工单阶段
// @Description 仅 System Manager 可用，目标必须在允许的回退路径内
// @Tags Workflow
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "工单 ID"
// @Param request body RollbackRequest true "回退目标与原因"
// @Success 200 {object} common.APIResponse{data=workflow.RollbackResult}
// @Failure 403 {object} common.APIResponse
// @Router /api/job-orders/{id}/rollback [post]
func (h *WorkflowHandler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.service.RollbackPhase(c.Request.Context(), c.Param("id"), workflow.Phase(req.TargetPhase), actorFrom(c), req.Reason)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// AvailableTransitions 查询当前可用转换
// @Summary 查询可用转换
// @Description 列出当前阶段的全部转换及权限、前置条件的逐项校验结果
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param id path string true "工单 ID"
// @Success 200 {object} common.APIResponse{data=workflow.AvailableTransitions}
// @Failure 404 {object} common.APIResponse
// @Router /api/job-orders/{id}/transitions [get]
func (h *WorkflowHandler) AvailableTransitions(c *gin.Context) {
	result, err := h.service.GetValidTransitions(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// Validate 转换只读预检
// @Summary 转换预检
// @Description 对拟执行的转换做只读校验，返回四项分解结果，不产生任何写入
// @Tags Workflow
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "工单 ID"
// @Param request body TransitionRequest true "待预检的动作"
// @Success 200 {object} common.APIResponse{data=workflow.TransitionValidation}
// @Failure 404 {object} common.APIResponse
// @Router /api/job-orders/{id}/transition/validate [post]
func (h *WorkflowHandler) Validate(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.service.ValidateTransition(c.Request.Context(), c.Param("id"), req.Action, actorFrom(c))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// Status 查询工作流状态
// @Summary 查询工作流状态
// @Description 汇总当前阶段、整体进度、历史与分阶段停留时长
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param id path string true "工单 ID"
// @Success 200 {object} common.APIResponse{data=workflow.WorkflowStatus}
// @Failure 404 {object} common.APIResponse
// @Router /api/job-orders/{id}/status [get]
func (h *WorkflowHandler) Status(c *gin.Context) {
	status, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, status)
}

// History 查询阶段历史
// @Summary 查询阶段历史
// @Description detailed=true 时附带小时数与可读时长
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param id path string true "工单 ID"
// @Param detailed query bool false "是否返回带时长的明细"
// @Success 200 {object} common.APIResponse{data=workflow.HistoryPage}
// @Failure 404 {object} common.APIResponse
// @Router /api/job-orders/{id}/history [get]
func (h *WorkflowHandler) History(c *gin.Context) {
	if c.Query("detailed") == "true" {
		page, err := h.service.DetailedHistory(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWorkflowError(c, err)
			return
		}
		common.ResponseSuccess(c, page)
		return
	}

	history, err := h.service.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"job_order":     c.Param("id"),
		"history_count": len(history),
		"history":       history,
	})
}

// Prerequisites 检查目标阶段前置条件
// @Summary 检查阶段前置条件
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param id path string true "工单 ID"
// @Param target_phase query string true "目标阶段"
// @Success 200 {object} common.APIResponse{data=workflow.PrerequisiteCheck}
// @Failure 400 {object} common.APIResponse
// @Router /api/job-orders/{id}/prerequisites [get]
func (h *WorkflowHandler) Prerequisites(c *gin.Context) {
	target := c.Query("target_phase")
	if target == "" {
		common.ResponseBadRequest(c, "target_phase is required")
		return
	}

	check, err := h.service.CheckJobPrerequisites(c.Request.Context(), c.Param("id"), workflow.Phase(target))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, check)
}

// PhaseRequirements 查询阶段配置与前置要求
// @Summary 查询阶段要求
// @Description 返回阶段的必填字段、校验规则、提交角色与升级策略
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param phase path string true "阶段名称"
// @Success 200 {object} common.APIResponse{data=workflow.PhaseInfo}
// @Failure 404 {object} common.APIResponse
// @Router /api/workflow/phases/{phase} [get]
func (h *WorkflowHandler) PhaseRequirements(c *gin.Context) {
	info, ok := h.service.DescribePhase(workflow.Phase(c.Param("phase")))
	if !ok {
		common.ResponseError(c, common.CodeNotFound, "Unknown phase: "+c.Param("phase"))
		return
	}
	common.ResponseSuccess(c, info)
}

// Phases 列出全部阶段定义
// @Summary 列出阶段定义
// @Description 按阶段顺序导出完整状态机配置
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Success 200 {object} common.APIResponse{data=workflow.RegistryExport}
// @Router /api/workflow/phases [get]
func (h *WorkflowHandler) Phases(c *gin.Context) {
	common.ResponseSuccess(c, h.service.Registry().Export())
}

// ExportRegistry 导出状态机配置
// @Summary 导出状态机配置
// @Description format=yaml 时返回 YAML 文本，默认返回 JSON
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param format query string false "导出格式 yaml|json"
// @Success 200 {object} workflow.RegistryExport
// @Router /api/workflow/export [get]
func (h *WorkflowHandler) ExportRegistry(c *gin.Context) {
	if c.Query("format") == "yaml" {
		data, err := h.service.Registry().ExportYAML()
		if err != nil {
			common.ResponseError(c, common.CodeWorkflowInternal, err.Error())
			return
		}
		c.Data(200, "application/x-yaml; charset=utf-8", data)
		return
	}

	data, err := h.service.Registry().ExportJSON()
	if err != nil {
		common.ResponseError(c, common.CodeWorkflowInternal, err.Error())
		return
	}
	c.Data(200, "application/json; charset=utf-8", data)
}

// JobsByPhase 查询指定阶段的工单
// @Summary 按阶段查询工单
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param phase path string true "阶段名称"
// @Param limit query int false "每页数量"
// @Param offset query int false "偏移量"
// @Success 200 {object} common.APIResponse{data=workflow.PhaseJobs}
// @Router /api/workflow/phases/{phase}/jobs [get]
func (h *WorkflowHandler) JobsByPhase(c *gin.Context) {
	limit, offset := pageParams(c)
	result, err := h.service.JobsByPhase(c.Request.Context(), workflow.Phase(c.Param("phase")), limit, offset)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// JobsGroupedByPhase 按阶段分组查询工单
// @Summary 按阶段分组查询工单
// @Tags Workflow
// @Security BearerAuth
// @Produce json
// @Param limit query int false "单阶段数量上限"
// @Success 200 {object} common.APIResponse{data=workflow.GroupedJobs}
// @Router /api/workflow/jobs-by-phase [get]
func (h *WorkflowHandler) JobsGroupedByPhase(c *gin.Context) {
	limit, offset := pageParams(c)
	result, err := h.service.JobsGroupedByPhase(c.Request.Context(), limit, offset)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// pageParams 解析 limit/offset 查询参数，非法值忽略
func pageParams(c *gin.Context) (limit, offset int) {
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			offset = v
		}
	}
	return limit, offset
}
