package joborders

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/workflow"
)

// JobOrderHandler 工单 CRUD Handler
type JobOrderHandler struct {
	service *workflow.Service
}

// NewJobOrderHandler 创建 JobOrderHandler 实例
func NewJobOrderHandler(service *workflow.Service) *JobOrderHandler {
	return &JobOrderHandler{service: service}
}

// Create 创建工单
// @Summary 创建工单
// @Description 创建新工单，初始阶段为 Submission 并写入首条阶段历史
// @Tags JobOrders
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body workflow.CreateJobOrderRequest true "工单信息"
// @Success 201 {object} common.APIResponse{data=workflow.JobOrder}
// @Failure 400 {object} common.APIResponse
// @Router /api/job-orders [post]
func (h *JobOrderHandler) Create(c *gin.Context) {
	var req workflow.CreateJobOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	job, err := h.service.CreateJobOrder(c.Request.Context(), req, actorFrom(c))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseCreated(c, job)
}

// Get 查询工单详情
// @Summary 查询工单详情
// @Tags JobOrders
// @Security BearerAuth
// @Produce json
// @Param id path string true "工单 ID"
// @Success 200 {object} common.APIResponse{data=workflow.JobOrder}
// @Failure 404 {object} common.APIResponse
// @Router /api/job-orders/{id} [get]
func (h *JobOrderHandler) Get(c *gin.Context) {
	job, err := h.service.GetJobOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, job)
}

// Update 更新工单业务字段
// @Summary 更新工单
// @Description 更新工单业务字段并重算汇总金额，nil 字段保持不变
// @Tags JobOrders
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "工单 ID"
// @Param request body workflow.UpdateJobOrderRequest true "待更新字段"
// @Success 200 {object} common.APIResponse{data=workflow.JobOrder}
// @Failure 404 {object} common.APIResponse
// @Router /api/job-orders/{id} [put]
func (h *JobOrderHandler) Update(c *gin.Context) {
	var req workflow.UpdateJobOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	job, err := h.service.UpdateJobOrder(c.Request.Context(), c.Param("id"), req, actorFrom(c))
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, job)
}

// List 分页查询工单
// @Summary 查询工单列表
// @Tags JobOrders
// @Security BearerAuth
// @Produce json
// @Param phase query string false "按阶段过滤"
// @Param status query string false "按状态过滤"
// @Param customer query string false "按客户名称模糊过滤"
// @Param priority query string false "按优先级过滤"
// @Param limit query int false "每页数量"
// @Param offset query int false "偏移量"
// @Success 200 {object} common.APIResponse
// @Router /api/job-orders [get]
func (h *JobOrderHandler) List(c *gin.Context) {
	query := workflow.JobOrdersQuery{
		Phase:    workflow.Phase(c.Query("phase")),
		Status:   workflow.JobOrderStatus(c.Query("status")),
		Customer: c.Query("customer"),
		Priority: c.Query("priority"),
	}
	if limit := c.Query("limit"); limit != "" {
		if v, err := strconv.Atoi(limit); err == nil {
			query.Limit = v
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if v, err := strconv.Atoi(offset); err == nil {
			query.Offset = v
		}
	}

	jobs, total, err := h.service.ListJobOrders(c.Request.Context(), query)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{
		"jobOrders": jobs,
		"total":     total,
		"limit":     query.Limit,
		"offset":    query.Offset,
	})
}
