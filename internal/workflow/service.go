package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobflow/internal/workflow/rules"
)

// RoleResolver 按用户 ID 解析角色集合，由身份包实现。
// 调用方已持有角色（如 JWT 声明）时服务不触发解析。
type RoleResolver interface {
	Roles(ctx context.Context, userID string) ([]string, error)
}

// Service 工作流门面。聚合执行器、预约调度、自动化引擎与
// 历史记录器，对 API 层提供完整的工单工作流操作。
type Service struct {
	db         *gorm.DB
	registry   *Registry
	validator  *Validator
	executor   *Executor
	scheduler  *Scheduler
	automation *AutomationEngine
	history    *HistoryTracker
	engine     *rules.Engine
	resolver   RoleResolver
	logger     *zap.Logger
	now        func() time.Time
}

// ServiceOption 服务配置项
type ServiceOption func(*Service)

// WithScheduler 接入预约转换调度器
func WithScheduler(scheduler *Scheduler) ServiceOption {
	return func(s *Service) { s.scheduler = scheduler }
}

// WithAutomation 接入自动化规则引擎，转换成功后同步触发
func WithAutomation(automation *AutomationEngine) ServiceOption {
	return func(s *Service) { s.automation = automation }
}

// WithRoleResolver 接入角色解析器
func WithRoleResolver(resolver RoleResolver) ServiceOption {
	return func(s *Service) { s.resolver = resolver }
}

// WithRulesEngine 替换业务规则引擎
func WithRulesEngine(engine *rules.Engine) ServiceOption {
	return func(s *Service) { s.engine = engine }
}

// WithServiceClock 替换时钟，测试用
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService 创建工作流服务
func NewService(
	db *gorm.DB,
	registry *Registry,
	validator *Validator,
	executor *Executor,
	history *HistoryTracker,
	logger *zap.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		db:        db,
		registry:  registry,
		validator: validator,
		executor:  executor,
		history:   history,
		engine:    rules.NewEngine(rules.WithLogger(logger)),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry 暴露阶段注册表，供查询接口做配置导出
func (s *Service) Registry() *Registry {
	return s.registry
}

// ============================================================================
// 阶段转换
// ============================================================================

// RequestTransition 执行一次阶段转换。转换提交后同步评估
// phase_changed 事件的自动化规则，自动化失败不影响转换结果。
func (s *Service) RequestTransition(ctx context.Context, jobOrderID, action string, actor Actor, comment string) (*TransitionResult, error) {
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	result, err := s.executor.Execute(ctx, jobOrderID, action, actor, comment)
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, jobOrderID)
	return result, nil
}

// BulkItemResult 批量转换中单个工单的结果
type BulkItemResult struct {
	JobOrderID string `json:"job_order"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

// BulkResult 批量转换汇总
type BulkResult struct {
	TotalProcessed int              `json:"total_processed"`
	Successful     int              `json:"successful"`
	Failed         int              `json:"failed"`
	Results        []BulkItemResult `json:"results"`
	Message        string           `json:"message"`
}

// BulkTransition 对多个工单执行同一操作。逐个隔离处理，
// 单个失败不影响其余工单。
func (s *Service) BulkTransition(ctx context.Context, jobOrderIDs []string, action string, actor Actor, comment string) (*BulkResult, error) {
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}

	bulk := &BulkResult{
		TotalProcessed: len(jobOrderIDs),
		Results:        make([]BulkItemResult, 0, len(jobOrderIDs)),
	}
	for _, id := range jobOrderIDs {
		result, err := s.RequestTransition(ctx, id, action, actor, comment)
		if err != nil {
			bulk.Failed++
			bulk.Results = append(bulk.Results, BulkItemResult{
				JobOrderID: id,
				Message:    errorMessage(err),
			})
			continue
		}
		bulk.Successful++
		bulk.Results = append(bulk.Results, BulkItemResult{
			JobOrderID: id,
			Success:    true,
			Message: fmt.Sprintf("Job Order %s successfully transitioned from %s to %s",
				id, result.FromPhase, result.ToPhase),
		})
	}

	bulk.Message = fmt.Sprintf("Bulk transition completed: %d successful, %d failed",
		bulk.Successful, bulk.Failed)
	return bulk, nil
}

// rollbackPaths 允许的回退路径，键为当前阶段。回退绕过状态机
// 直接写入，路径之外的组合一律拒绝。
var rollbackPaths = map[Phase][]Phase{
	PhaseEstimation:     {PhaseSubmission},
	PhaseClientApproval: {PhaseEstimation, PhaseSubmission},
	PhasePlanning:       {PhaseClientApproval, PhaseEstimation, PhaseSubmission},
	PhasePrework:        {PhasePlanning, PhaseClientApproval, PhaseEstimation, PhaseSubmission},
	PhaseExecution:      {PhasePrework, PhasePlanning, PhaseClientApproval, PhaseEstimation, PhaseSubmission},
	PhaseReview:         {PhaseExecution, PhasePrework, PhasePlanning},
	PhaseInvoicing:      {PhaseReview, PhaseExecution},
	PhaseCloseout:       {PhaseInvoicing, PhaseReview},
	PhaseArchived:       {PhaseCloseout, PhaseInvoicing, PhaseReview},
}

// RollbackResult 回退操作结果
type RollbackResult struct {
	JobOrderID string    `json:"job_order"`
	FromState  Phase     `json:"from_state"`
	ToState    Phase     `json:"to_state"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	User       string    `json:"user"`
	Message    string    `json:"message"`
}

// RollbackPhase 将工单回退到先前阶段。仅 System Manager 可用，
// 目标必须在允许的回退路径内。从 Archived 回退时清除结束日期
// 并恢复 In Progress 状态。
func (s *Service) RollbackPhase(ctx context.Context, jobOrderID string, target Phase, actor Actor, reason string) (*RollbackResult, error) {
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !anyRole(actor.Roles, []string{"System Manager"}) {
		return nil, NewPermissionError("Rollback operations require System Manager permissions")
	}

	// 与执行器共享工单粒度锁，回退与并发转换互斥
	lock := s.executor.locks.forKey(jobOrderID)
	lock.Lock()
	defer lock.Unlock()

	var job JobOrder
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobOrderNotFound, jobOrderID)
		}
		return nil, NewSystemError(fmt.Errorf("加载工单失败: %w", err))
	}

	from := job.Phase
	if !containsPhase(rollbackPaths[from], target) {
		return nil, NewValidationError("Cannot rollback from %s to %s", from, target)
	}

	now := s.now()
	entry := &PhaseHistory{
		JobOrderID:     job.ID,
		FromPhase:      from,
		ToPhase:        target,
		TransitionDate: now,
		TransitionedBy: actor.ID,
		UserRole:       PrimaryRole(actor.Roles),
		Comment:        "ROLLBACK: " + reason,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job.Phase = target
		job.PhaseStartDate = &now
		if from == PhaseArchived {
			job.EndDate = nil
			job.Status = StatusInProgress
		}
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("保存工单失败: %w", err)
		}
		return s.history.Append(tx, entry)
	})
	if err != nil {
		return nil, NewSystemError(err)
	}

	if s.executor.bus != nil {
		s.executor.bus.Publish(Event{
			Name:       EventPhaseChanged,
			JobOrderID: job.ID,
			JobNumber:  job.JobNumber,
			FromPhase:  from,
			ToPhase:    target,
			Actor:      actor.ID,
			OccurredAt: now,
		})
	}

	s.logger.Info("阶段回退完成",
		zap.String("job_order", job.JobNumber),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor", actor.ID),
		zap.String("reason", reason))

	return &RollbackResult{
		JobOrderID: jobOrderID,
		FromState:  from,
		ToState:    target,
		Reason:     reason,
		Timestamp:  now,
		User:       actor.ID,
		Message:    fmt.Sprintf("Job Order %s rolled back from %s to %s", jobOrderID, from, target),
	}, nil
}

// ============================================================================
// 预约与自动化
// ============================================================================

// ScheduleTransition 预约一次延迟转换，创建人记为操作者
func (s *Service) ScheduleTransition(ctx context.Context, req ScheduleRequest, actor Actor) (*ScheduledTransition, error) {
	if s.scheduler == nil {
		return nil, NewSystemError(errors.New("预约调度器未启用"))
	}
	if req.CreatedBy == "" {
		req.CreatedBy = actor.ID
	}
	return s.scheduler.Schedule(ctx, req)
}

// CancelScheduled 取消待执行的预约转换
func (s *Service) CancelScheduled(ctx context.Context, requestID string, actor Actor, reason string) (*ScheduledTransition, error) {
	if s.scheduler == nil {
		return nil, NewSystemError(errors.New("预约调度器未启用"))
	}
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.scheduler.Cancel(ctx, requestID, actor, reason)
}

// ListScheduled 查询预约转换，jobOrderID 与 status 均可为空
func (s *Service) ListScheduled(ctx context.Context, jobOrderID string, status ScheduleStatus) ([]ScheduledTransition, error) {
	if s.scheduler == nil {
		return nil, NewSystemError(errors.New("预约调度器未启用"))
	}
	return s.scheduler.List(ctx, jobOrderID, status)
}

// TriggerAutomation 手动触发一次自动化规则评估
func (s *Service) TriggerAutomation(ctx context.Context, jobOrderID, triggerEvent string) (*AutomationReport, error) {
	if s.automation == nil {
		return nil, NewSystemError(errors.New("自动化引擎未启用"))
	}
	job, err := s.GetJobOrder(ctx, jobOrderID)
	if err != nil {
		return nil, err
	}
	return s.automation.OnEvent(ctx, triggerEvent, job, s.RuleContext(job))
}

// afterTransition 转换提交后的自动化钩子。重新加载工单取最新
// 阶段，失败只记录日志。
func (s *Service) afterTransition(ctx context.Context, jobOrderID string) {
	if s.automation == nil {
		return
	}
	var job JobOrder
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobOrderID).Error; err != nil {
		s.logger.Warn("自动化钩子加载工单失败",
			zap.String("job_order_id", jobOrderID), zap.Error(err))
		return
	}
	if _, err := s.automation.OnEvent(ctx, EventPhaseChanged, &job, s.RuleContext(&job)); err != nil {
		s.logger.Warn("自动化规则评估失败",
			zap.String("job_order", job.JobNumber), zap.Error(err))
	}
}

// ============================================================================
// 转换查询与校验
// ============================================================================

// TransitionOption 当前阶段可执行的一条转换及其可用性
type TransitionOption struct {
	Action            string             `json:"action"`
	NextState         Phase              `json:"next_state"`
	AllowedRoles      []string           `json:"allowed_roles"`
	HasPermission     bool               `json:"has_permission"`
	IsValid           bool               `json:"is_valid"`
	ValidationMessage *string            `json:"validation_message"`
	Prerequisites     PrerequisiteResult `json:"prerequisites"`
}

// AvailableTransitions 工单当前可用的全部转换
type AvailableTransitions struct {
	JobOrderID   string             `json:"job_order"`
	CurrentState Phase              `json:"current_state"`
	Transitions  []TransitionOption `json:"available_transitions"`
}

// GetValidTransitions 列出当前阶段的全部转换及校验结果。
// 角色单独以 has_permission 呈现，validation_message 只反映
// 字段与校验规则的失败。
func (s *Service) GetValidTransitions(ctx context.Context, jobOrderID string, actor Actor) (*AvailableTransitions, error) {
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	job, err := s.GetJobOrder(ctx, jobOrderID)
	if err != nil {
		return nil, err
	}

	edges := s.registry.ValidTransitions(job.Phase)
	options := make([]TransitionOption, 0, len(edges))
	for _, tr := range edges {
		toConfig, _ := s.registry.Get(tr.To)
		allowed := toConfig.SubmitRoles()

		// 传入目标角色使角色检查必然通过，只评估字段与规则
		validation := s.validator.Validate(job, tr.To, allowed)
		prereq := CheckPrerequisites(job, tr.To)

		option := TransitionOption{
			Action:        tr.Action,
			NextState:     tr.To,
			AllowedRoles:  allowed,
			HasPermission: len(allowed) == 0 || anyRole(actor.Roles, allowed),
			IsValid:       validation.Valid && prereq.Valid,
			Prerequisites: prereq,
		}
		if !validation.Valid {
			msg := validation.Message
			option.ValidationMessage = &msg
		}
		options = append(options, option)
	}

	return &AvailableTransitions{
		JobOrderID:   jobOrderID,
		CurrentState: job.Phase,
		Transitions:  options,
	}, nil
}

// CheckDetail 单项检查结果
type CheckDetail struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// PermissionDetail 权限检查结果
type PermissionDetail struct {
	Valid         bool     `json:"valid"`
	Message       string   `json:"message"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	UserRoles     []string `json:"user_roles,omitempty"`
}

// BusinessRuleDetail 业务规则检查结果
type BusinessRuleDetail struct {
	Valid       bool     `json:"valid"`
	Message     string   `json:"message"`
	RulesPassed []string `json:"rules_passed"`
	RulesFailed []string `json:"rules_failed"`
}

// ValidationDetails 预检的四项分解结果
type ValidationDetails struct {
	TransitionValid CheckDetail        `json:"transition_valid"`
	Prerequisites   PrerequisiteResult `json:"prerequisites"`
	Permissions     PermissionDetail   `json:"permissions"`
	BusinessRules   BusinessRuleDetail `json:"business_rules"`
}

// TransitionValidation 转换预检结果，不产生任何写入
type TransitionValidation struct {
	JobOrderID   string            `json:"job_order"`
	Action       string            `json:"action"`
	CurrentState Phase             `json:"current_state"`
	NextState    Phase             `json:"next_state,omitempty"`
	IsValid      bool              `json:"is_valid"`
	Details      ValidationDetails `json:"validation_details"`
}

// ValidateTransition 对拟执行的转换做只读预检：转换定义、
// 前置要求、操作者权限与业务规则，四项全部通过才算有效。
func (s *Service) ValidateTransition(ctx context.Context, jobOrderID, action string, actor Actor) (*TransitionValidation, error) {
	actor, err := s.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	job, err := s.GetJobOrder(ctx, jobOrderID)
	if err != nil {
		return nil, err
	}

	report := &TransitionValidation{
		JobOrderID:   jobOrderID,
		Action:       action,
		CurrentState: job.Phase,
	}

	transition, resolved := s.registry.ResolveAction(job.Phase, action)
	if !resolved {
		report.Details = ValidationDetails{
			TransitionValid: CheckDetail{
				Message: fmt.Sprintf("Action '%s' not available from state '%s'", action, job.Phase),
			},
			Prerequisites: PrerequisiteResult{},
			Permissions:   PermissionDetail{Message: "Transition not found"},
			BusinessRules: businessRuleCheck(job, ""),
		}
		return report, nil
	}

	next := transition.To
	report.NextState = next
	toConfig, _ := s.registry.Get(next)
	required := toConfig.SubmitRoles()
	hasPermission := len(required) == 0 || anyRole(actor.Roles, required)

	permission := PermissionDetail{
		Valid:         hasPermission,
		Message:       "Permission granted",
		RequiredRoles: required,
		UserRoles:     actor.Roles,
	}
	if !hasPermission {
		permission.Message = "Insufficient permissions"
	}

	report.Details = ValidationDetails{
		TransitionValid: CheckDetail{Valid: true, Message: "Transition is valid"},
		Prerequisites:   CheckPrerequisites(job, next),
		Permissions:     permission,
		BusinessRules:   businessRuleCheck(job, next),
	}
	report.IsValid = report.Details.TransitionValid.Valid &&
		report.Details.Prerequisites.Valid &&
		report.Details.Permissions.Valid &&
		report.Details.BusinessRules.Valid
	return report, nil
}

// businessRuleCheck 转换前的硬性业务规则
func businessRuleCheck(job *JobOrder, next Phase) BusinessRuleDetail {
	var failed []string
	if next == PhaseExecution && job.StartDate == nil {
		failed = append(failed, "Start date must be set before execution")
	}
	if next == PhaseInvoicing && job.TotalLaborCost == 0 {
		failed = append(failed, "Labor costs must be recorded before invoicing")
	}

	detail := BusinessRuleDetail{
		Valid:       len(failed) == 0,
		RulesPassed: []string{},
		RulesFailed: failed,
	}
	if detail.Valid {
		detail.Message = "All business rules passed"
		detail.RulesFailed = []string{}
	} else {
		detail.Message = fmt.Sprintf("%d business rules failed", len(failed))
	}
	return detail
}

// PrerequisiteCheck 前置要求检查结果
type PrerequisiteCheck struct {
	JobOrderID       string             `json:"job_order"`
	TargetPhase      Phase              `json:"target_phase"`
	PrerequisitesMet bool               `json:"prerequisites_met"`
	Details          PrerequisiteResult `json:"details"`
}

// CheckJobPrerequisites 检查工单对目标阶段的前置要求
func (s *Service) CheckJobPrerequisites(ctx context.Context, jobOrderID string, target Phase) (*PrerequisiteCheck, error) {
	job, err := s.GetJobOrder(ctx, jobOrderID)
	if err != nil {
		return nil, err
	}
	result := CheckPrerequisites(job, target)
	return &PrerequisiteCheck{
		JobOrderID:       jobOrderID,
		TargetPhase:      target,
		PrerequisitesMet: result.Valid,
		Details:          result,
	}, nil
}

// DescribePhase 返回阶段的完整配置与前置要求
func (s *Service) DescribePhase(phase Phase) (PhaseInfo, bool) {
	return s.registry.DescribePhase(phase)
}

// RuleContext 构造业务规则引擎的评估上下文。在字段快照之上
// 补充派生字段：has_materials、scheduled_weekend、days_in_phase。
func (s *Service) RuleContext(job *JobOrder) map[string]any {
	context := job.FieldValues()
	context["has_materials"] = len(job.MaterialRequisitions) > 0

	scheduledWeekend := false
	if job.StartDate != nil {
		weekday := job.StartDate.Weekday()
		scheduledWeekend = weekday == time.Saturday || weekday == time.Sunday
	}
	context["scheduled_weekend"] = scheduledWeekend

	if job.PhaseStartDate != nil {
		context["days_in_phase"] = s.now().Sub(*job.PhaseStartDate).Hours() / 24
	}
	return context
}

// EvaluateBusinessRules 按规则类型评估工单的业务规则
func (s *Service) EvaluateBusinessRules(job *JobOrder, ruleType string) rules.Result {
	return s.engine.Evaluate(s.RuleContext(job), ruleType)
}

// ============================================================================
// 状态与历史
// ============================================================================

// CurrentPhaseInfo 当前阶段概要
type CurrentPhaseInfo struct {
	Phase       Phase      `json:"phase"`
	StartDate   *time.Time `json:"start_date"`
	TargetDate  *time.Time `json:"target_date"`
	DaysInPhase int        `json:"days_in_phase"`
}

// WorkflowStatus 工单的完整工作流状态
type WorkflowStatus struct {
	JobOrderID         string            `json:"job_order"`
	CurrentState       Phase             `json:"current_state"`
	CurrentStatus      JobOrderStatus    `json:"current_status"`
	PhaseStartDate     *time.Time        `json:"phase_start_date"`
	PhaseTargetDate    *time.Time        `json:"phase_target_date"`
	ProgressPercentage float64           `json:"progress_percentage"`
	CurrentPhaseInfo   CurrentPhaseInfo  `json:"current_phase_info"`
	PhaseHistory       []PhaseHistory    `json:"phase_history"`
	PhaseDurations     map[Phase]float64 `json:"phase_durations"`
	TotalDuration      float64           `json:"total_workflow_duration"`
}

// GetStatus 汇总工单的工作流状态：当前阶段、整体进度、
// 历史与分阶段停留时长。
func (s *Service) GetStatus(ctx context.Context, jobOrderID string) (*WorkflowStatus, error) {
	job, err := s.GetJobOrder(ctx, jobOrderID)
	if err != nil {
		return nil, err
	}
	summary, err := s.history.JobSummary(jobOrderID)
	if err != nil {
		return nil, err
	}

	daysInPhase := 0
	if job.PhaseStartDate != nil {
		daysInPhase = int(s.now().Sub(*job.PhaseStartDate).Hours() / 24)
	}

	return &WorkflowStatus{
		JobOrderID:         jobOrderID,
		CurrentState:       job.Phase,
		CurrentStatus:      job.Status,
		PhaseStartDate:     job.PhaseStartDate,
		PhaseTargetDate:    job.PhaseTargetDate,
		ProgressPercentage: ProgressPercent(job.Phase),
		CurrentPhaseInfo: CurrentPhaseInfo{
			Phase:       job.Phase,
			StartDate:   job.PhaseStartDate,
			TargetDate:  job.PhaseTargetDate,
			DaysInPhase: daysInPhase,
		},
		PhaseHistory:   summary.Transitions,
		PhaseDurations: summary.PhaseDurationsHours,
		TotalDuration:  summary.TotalDurationHours,
	}, nil
}

// GetHistory 按时间升序返回工单的阶段历史
func (s *Service) GetHistory(ctx context.Context, jobOrderID string) ([]PhaseHistory, error) {
	return s.history.List(jobOrderID)
}

// HistoryEntry 带派生时长的历史记录
type HistoryEntry struct {
	PhaseHistory
	DurationHours     float64 `json:"duration_hours"`
	DurationFormatted string  `json:"duration_formatted"`
}

// HistoryPage 历史查询结果
type HistoryPage struct {
	JobOrderID   string         `json:"job_order"`
	HistoryCount int            `json:"history_count"`
	History      []HistoryEntry `json:"history"`
}

// DetailedHistory 返回带小时数与可读时长的历史记录
func (s *Service) DetailedHistory(ctx context.Context, jobOrderID string) (*HistoryPage, error) {
	history, err := s.history.List(jobOrderID)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(history))
	for _, record := range history {
		var hours float64
		if record.DurationSeconds != nil {
			hours = float64(*record.DurationSeconds) / 3600
		}
		entries = append(entries, HistoryEntry{
			PhaseHistory:      record,
			DurationHours:     hours,
			DurationFormatted: formatDuration(hours),
		})
	}

	return &HistoryPage{
		JobOrderID:   jobOrderID,
		HistoryCount: len(entries),
		History:      entries,
	}, nil
}

// formatDuration 可读时长，24 小时以内按小时显示，否则按天
func formatDuration(hours float64) string {
	if hours < 24 {
		return fmt.Sprintf("%.1f hours", hours)
	}
	return fmt.Sprintf("%.1f days", hours/24)
}

// PhaseJobs 单个阶段下的工单列表
type PhaseJobs struct {
	Phase     Phase      `json:"phase"`
	Jobs      []JobOrder `json:"jobs"`
	TotalJobs int        `json:"total_jobs"`
}

// JobsByPhase 查询指定阶段的工单，按进入阶段时间倒序
func (s *Service) JobsByPhase(ctx context.Context, phase Phase, limit, offset int) (*PhaseJobs, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []JobOrder
	err := s.db.WithContext(ctx).
		Where("phase = ?", phase).
		Order("phase_start_date DESC").
		Limit(limit).Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询工单失败: %w", err)
	}
	return &PhaseJobs{Phase: phase, Jobs: jobs, TotalJobs: len(jobs)}, nil
}

// GroupedJobs 按阶段分组的工单
type GroupedJobs struct {
	GroupedByPhase map[Phase][]JobOrder `json:"grouped_by_phase"`
	TotalJobs      int                  `json:"total_jobs"`
}

// JobsGroupedByPhase 拉取全部阶段的工单并按阶段分组
func (s *Service) JobsGroupedByPhase(ctx context.Context, limit, offset int) (*GroupedJobs, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []JobOrder
	err := s.db.WithContext(ctx).
		Order("phase_start_date DESC").
		Limit(limit).Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询工单失败: %w", err)
	}

	grouped := make(map[Phase][]JobOrder)
	for _, job := range jobs {
		grouped[job.Phase] = append(grouped[job.Phase], job)
	}
	return &GroupedJobs{GroupedByPhase: grouped, TotalJobs: len(jobs)}, nil
}

// ============================================================================
// 工单管理
// ============================================================================

// CreateJobOrderRequest 创建工单的输入
type CreateJobOrderRequest struct {
	CustomerName         string                `json:"customerName" binding:"required"`
	ProjectName          string                `json:"projectName" binding:"required"`
	JobType              string                `json:"jobType" binding:"required"`
	Priority             string                `json:"priority"`
	RiskLevel            string                `json:"riskLevel"`
	Description          string                `json:"description"`
	ScopeOfWork          string                `json:"scopeOfWork"`
	StartDate            *time.Time            `json:"startDate"`
	EndDate              *time.Time            `json:"endDate"`
	TeamMembers          []string              `json:"teamMembers"`
	MaterialRequisitions []MaterialRequisition `json:"materialRequisitions"`
	LaborEntries         []LaborEntry          `json:"laborEntries"`
}

// CreateJobOrder 创建工单。初始阶段为 Submission，并写入首条
// 历史记录（from_phase 为空）。工单编号按年度序列生成。
func (s *Service) CreateJobOrder(ctx context.Context, req CreateJobOrderRequest, actor Actor) (*JobOrder, error) {
	now := s.now()
	if req.EndDate != nil && req.StartDate != nil && req.EndDate.Before(*req.StartDate) {
		return nil, NewValidationError("End Date cannot be before Start Date")
	}

	priority := req.Priority
	if priority == "" {
		priority = "Medium"
	}

	job := &JobOrder{
		ID:                   uuid.NewString(),
		CustomerName:         req.CustomerName,
		ProjectName:          req.ProjectName,
		JobType:              req.JobType,
		Priority:             priority,
		RiskLevel:            req.RiskLevel,
		Description:          req.Description,
		ScopeOfWork:          req.ScopeOfWork,
		StartDate:            req.StartDate,
		EndDate:              req.EndDate,
		Phase:                PhaseSubmission,
		PhaseStartDate:       &now,
		Status:               StatusOpen,
		TeamMembers:          req.TeamMembers,
		MaterialRequisitions: req.MaterialRequisitions,
		LaborEntries:         req.LaborEntries,
		CreatedBy:            actor.ID,
	}
	job.RecalculateTotals()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := nextJobNumber(tx, now)
		if err != nil {
			return err
		}
		job.JobNumber = number

		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("创建工单失败: %w", err)
		}

		entry := &PhaseHistory{
			JobOrderID:     job.ID,
			ToPhase:        PhaseSubmission,
			TransitionDate: now,
			TransitionedBy: actor.ID,
			UserRole:       PrimaryRole(actor.Roles),
			Comment:        "Job order created",
		}
		return s.history.Append(tx, entry)
	})
	if err != nil {
		return nil, NewSystemError(err)
	}

	if s.executor.bus != nil {
		s.executor.bus.Publish(Event{
			Name:       EventJobCreated,
			JobOrderID: job.ID,
			JobNumber:  job.JobNumber,
			ToPhase:    PhaseSubmission,
			Actor:      actor.ID,
			OccurredAt: now,
		})
	}

	s.logger.Info("工单已创建",
		zap.String("job_order", job.JobNumber),
		zap.String("customer", job.CustomerName),
		zap.String("actor", actor.ID))
	return job, nil
}

// nextJobNumber 生成 JOB-YY-NNNNN 形式的年度序列编号
func nextJobNumber(tx *gorm.DB, now time.Time) (string, error) {
	prefix := fmt.Sprintf("JOB-%s-", now.Format("06"))
	var count int64
	if err := tx.Model(&JobOrder{}).Where("job_number LIKE ?", prefix+"%").Count(&count).Error; err != nil {
		return "", fmt.Errorf("统计工单编号失败: %w", err)
	}
	return fmt.Sprintf("%s%05d", prefix, count+1), nil
}

// GetJobOrder 按 ID 加载工单
func (s *Service) GetJobOrder(ctx context.Context, jobOrderID string) (*JobOrder, error) {
	var job JobOrder
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobOrderNotFound, jobOrderID)
		}
		return nil, fmt.Errorf("加载工单失败: %w", err)
	}
	return &job, nil
}

// UpdateJobOrderRequest 工单更新输入，nil 字段不修改。
// 阶段与状态不在此处变更，只能走转换接口。
type UpdateJobOrderRequest struct {
	CustomerName         *string                `json:"customerName"`
	ProjectName          *string                `json:"projectName"`
	JobType              *string                `json:"jobType"`
	Priority             *string                `json:"priority"`
	RiskLevel            *string                `json:"riskLevel"`
	Description          *string                `json:"description"`
	ScopeOfWork          *string                `json:"scopeOfWork"`
	StartDate            *time.Time             `json:"startDate"`
	EndDate              *time.Time             `json:"endDate"`
	TeamMembers          *[]string              `json:"teamMembers"`
	MaterialRequisitions *[]MaterialRequisition `json:"materialRequisitions"`
	LaborEntries         *[]LaborEntry          `json:"laborEntries"`
	Documents            *[]Attachment          `json:"documents"`
}

// UpdateJobOrder 更新工单的业务字段并重算汇总金额
func (s *Service) UpdateJobOrder(ctx context.Context, jobOrderID string, req UpdateJobOrderRequest, actor Actor) (*JobOrder, error) {
	job, err := s.GetJobOrder(ctx, jobOrderID)
	if err != nil {
		return nil, err
	}

	if req.CustomerName != nil {
		job.CustomerName = *req.CustomerName
	}
	if req.ProjectName != nil {
		job.ProjectName = *req.ProjectName
	}
	if req.JobType != nil {
		job.JobType = *req.JobType
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.RiskLevel != nil {
		job.RiskLevel = *req.RiskLevel
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.ScopeOfWork != nil {
		job.ScopeOfWork = *req.ScopeOfWork
	}
	if req.StartDate != nil {
		job.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		job.EndDate = req.EndDate
	}
	if req.TeamMembers != nil {
		job.TeamMembers = *req.TeamMembers
	}
	if req.MaterialRequisitions != nil {
		job.MaterialRequisitions = *req.MaterialRequisitions
	}
	if req.LaborEntries != nil {
		job.LaborEntries = *req.LaborEntries
	}
	if req.Documents != nil {
		job.Documents = *req.Documents
	}

	if job.EndDate != nil && job.StartDate != nil && job.EndDate.Before(*job.StartDate) {
		return nil, NewValidationError("End Date cannot be before Start Date")
	}
	job.RecalculateTotals()

	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return nil, NewSystemError(fmt.Errorf("保存工单失败: %w", err))
	}

	if s.executor.bus != nil {
		s.executor.bus.Publish(Event{
			Name:       EventJobUpdated,
			JobOrderID: job.ID,
			JobNumber:  job.JobNumber,
			Actor:      actor.ID,
			OccurredAt: s.now(),
		})
	}
	return job, nil
}

// JobOrdersQuery 工单列表过滤条件
type JobOrdersQuery struct {
	Phase    Phase
	Status   JobOrderStatus
	Customer string
	Priority string
	Limit    int
	Offset   int
}

// ListJobOrders 按条件分页查询工单，返回当页数据与总数
func (s *Service) ListJobOrders(ctx context.Context, query JobOrdersQuery) ([]JobOrder, int64, error) {
	scope := s.db.WithContext(ctx).Model(&JobOrder{})
	if query.Phase != "" {
		scope = scope.Where("phase = ?", query.Phase)
	}
	if query.Status != "" {
		scope = scope.Where("status = ?", query.Status)
	}
	if query.Customer != "" {
		scope = scope.Where("customer_name LIKE ?", "%"+query.Customer+"%")
	}
	if query.Priority != "" {
		scope = scope.Where("priority = ?", query.Priority)
	}

	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计工单失败: %w", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	var jobs []JobOrder
	err := scope.Order("created_at DESC").Limit(limit).Offset(query.Offset).Find(&jobs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询工单失败: %w", err)
	}
	return jobs, total, nil
}

// ============================================================================
// 内部辅助
// ============================================================================

// resolveActor 操作者未携带角色且配置了解析器时补全角色
func (s *Service) resolveActor(ctx context.Context, actor Actor) (Actor, error) {
	if len(actor.Roles) > 0 || s.resolver == nil || actor.ID == "" {
		return actor, nil
	}
	roles, err := s.resolver.Roles(ctx, actor.ID)
	if err != nil {
		return actor, NewSystemError(fmt.Errorf("解析用户角色失败: %w", err))
	}
	actor.Roles = roles
	return actor, nil
}

// errorMessage 取面向调用方的错误消息，工作流错误只取 Message
func errorMessage(err error) string {
	if werr, ok := AsError(err); ok {
		return werr.Message
	}
	return err.Error()
}
