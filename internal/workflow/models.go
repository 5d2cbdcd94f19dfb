package workflow

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Phase 生命周期阶段
type Phase string

const (
	PhaseSubmission     Phase = "Submission"
	PhaseEstimation     Phase = "Estimation"
	PhaseClientApproval Phase = "Client Approval"
	PhasePlanning       Phase = "Planning"
	PhasePrework        Phase = "Prework"
	PhaseExecution      Phase = "Execution"
	PhaseReview         Phase = "Review"
	PhaseInvoicing      Phase = "Invoicing"
	PhaseCloseout       Phase = "Closeout"
	PhaseArchived       Phase = "Archived"
	PhaseCancelled      Phase = "Cancelled"
)

// JobOrderStatus 工单整体状态，由阶段推导
type JobOrderStatus string

const (
	StatusOpen       JobOrderStatus = "Open"
	StatusInProgress JobOrderStatus = "In Progress"
	StatusCompleted  JobOrderStatus = "Completed"
	StatusCancelled  JobOrderStatus = "Cancelled"
)

// JobOrder 工单实体，工作流引擎唯一的可变共享资源
type JobOrder struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	JobNumber string `json:"jobNumber" gorm:"size:50;not null;uniqueIndex"`

	// 基础信息
	CustomerName string `json:"customerName" gorm:"size:255"`
	ProjectName  string `json:"projectName" gorm:"size:255"`
	JobType      string `json:"jobType" gorm:"size:100"`
	Priority     string `json:"priority" gorm:"size:20;default:Medium"` // Low, Medium, High, Urgent
	RiskLevel    string `json:"riskLevel" gorm:"size:20"`               // Low, Medium, High, Critical
	Description  string `json:"description" gorm:"type:text"`
	ScopeOfWork  string `json:"scopeOfWork" gorm:"type:text"`

	// 计划时间
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`

	// 工作流状态
	Phase           Phase          `json:"phase" gorm:"size:50;not null;default:Submission;index"`
	PhaseStartDate  *time.Time     `json:"phaseStartDate"`
	PhaseTargetDate *time.Time     `json:"phaseTargetDate"`
	Status          JobOrderStatus `json:"status" gorm:"size:20;not null;default:Open"`

	// 明细（JSON 列）
	TeamMembers          []string              `json:"teamMembers" gorm:"type:jsonb;serializer:json"`
	MaterialRequisitions []MaterialRequisition `json:"materialRequisitions" gorm:"type:jsonb;serializer:json"`
	LaborEntries         []LaborEntry          `json:"laborEntries" gorm:"type:jsonb;serializer:json"`
	Documents            []Attachment          `json:"documents" gorm:"type:jsonb;serializer:json"`

	// 汇总金额（由明细推导）
	TotalMaterialCost float64 `json:"totalMaterialCost"`
	TotalLaborCost    float64 `json:"totalLaborCost"`
	TotalLaborHours   float64 `json:"totalLaborHours"`
	TotalCost         float64 `json:"totalCost"`

	// 取消信息
	CancellationReason string `json:"cancellationReason" gorm:"type:text"`

	// 创建人
	CreatedBy string `json:"createdBy" gorm:"size:100"`

	// 时间戳
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// MaterialRequisition 材料需求行
type MaterialRequisition struct {
	ItemCode     string  `json:"itemCode"`
	ItemName     string  `json:"itemName"`
	Quantity     float64 `json:"quantity"`
	UnitCost     float64 `json:"unitCost"`
	TotalCost    float64 `json:"totalCost"`
	Status       string  `json:"status"` // Pending, Ordered, Received
	LeadTimeDays int     `json:"leadTimeDays"`
}

// LaborEntry 工时记录行
type LaborEntry struct {
	Worker   string     `json:"worker"`
	Activity string     `json:"activity"`
	Hours    float64    `json:"hours"`
	Rate     float64    `json:"rate"`
	Cost     float64    `json:"cost"`
	WorkDate *time.Time `json:"workDate,omitempty"`
}

// Attachment 附件元数据
type Attachment struct {
	FileName   string    `json:"fileName"`
	FileURL    string    `json:"fileUrl"`
	Category   string    `json:"category"`
	UploadedBy string    `json:"uploadedBy"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// RecalculateTotals 根据明细行重算汇总金额。
// 保存前调用，保持汇总字段与明细一致。
func (j *JobOrder) RecalculateTotals() {
	var material float64
	for _, item := range j.MaterialRequisitions {
		material += item.TotalCost
	}
	j.TotalMaterialCost = material

	var hours, labor float64
	for _, entry := range j.LaborEntries {
		hours += entry.Hours
		labor += entry.Cost
	}
	j.TotalLaborHours = hours
	j.TotalLaborCost = labor
	j.TotalCost = material + labor
}

// Field 按内部字段名取值。必填检查与规则条件统一使用
// snake_case 内部字段名，与 JSON 标签无关。
func (j *JobOrder) Field(name string) (any, bool) {
	switch name {
	case "id":
		return j.ID, true
	case "job_number":
		return j.JobNumber, true
	case "customer_name":
		return j.CustomerName, true
	case "project_name":
		return j.ProjectName, true
	case "job_type":
		return j.JobType, true
	case "priority":
		return j.Priority, true
	case "risk_level":
		return j.RiskLevel, true
	case "description":
		return j.Description, true
	case "scope_of_work":
		return j.ScopeOfWork, true
	case "start_date":
		return j.StartDate, true
	case "end_date":
		return j.EndDate, true
	case "phase", "workflow_state":
		return string(j.Phase), true
	case "phase_start_date":
		return j.PhaseStartDate, true
	case "phase_target_date":
		return j.PhaseTargetDate, true
	case "status":
		return string(j.Status), true
	case "team_members":
		return j.TeamMembers, true
	case "material_requisitions":
		return j.MaterialRequisitions, true
	case "labor_entries":
		return j.LaborEntries, true
	case "documents":
		return j.Documents, true
	case "total_material_cost":
		return j.TotalMaterialCost, true
	case "total_labor_cost":
		return j.TotalLaborCost, true
	case "total_labor_hours":
		return j.TotalLaborHours, true
	case "total_cost":
		return j.TotalCost, true
	case "cancellation_reason":
		return j.CancellationReason, true
	case "created_by":
		return j.CreatedBy, true
	default:
		return nil, false
	}
}

// SetField 按字段名写入业务字段。只开放可变的业务属性，
// 阶段、状态与成本合计等派生字段拒绝直接写入。
func (j *JobOrder) SetField(name string, value any) error {
	s, isString := value.(string)
	if !isString {
		return fmt.Errorf("字段 %s 需要字符串值", name)
	}
	switch name {
	case "customer_name":
		j.CustomerName = s
	case "project_name":
		j.ProjectName = s
	case "job_type":
		j.JobType = s
	case "priority":
		j.Priority = s
	case "risk_level":
		j.RiskLevel = s
	case "description":
		j.Description = s
	case "scope_of_work":
		j.ScopeOfWork = s
	default:
		return fmt.Errorf("字段 %s 不存在或不允许写入", name)
	}
	return nil
}

// FieldPresent 字段是否"存在"：字符串非空、指针非 nil、
// 集合非空、数值非零。与原有的真值语义保持一致。
func (j *JobOrder) FieldPresent(name string) bool {
	value, ok := j.Field(name)
	if !ok {
		return false
	}
	switch v := value.(type) {
	case string:
		return v != ""
	case float64:
		return v != 0
	case *time.Time:
		return v != nil
	case []string:
		return len(v) > 0
	case []MaterialRequisition:
		return len(v) > 0
	case []LaborEntry:
		return len(v) > 0
	case []Attachment:
		return len(v) > 0
	default:
		return value != nil
	}
}

// FieldValues 导出字段快照，供规则引擎按点号路径取值
func (j *JobOrder) FieldValues() map[string]any {
	names := []string{
		"id", "job_number", "customer_name", "project_name", "job_type",
		"priority", "risk_level", "description", "scope_of_work",
		"start_date", "end_date", "phase", "phase_start_date",
		"phase_target_date", "status", "team_members",
		"material_requisitions", "labor_entries", "documents",
		"total_material_cost", "total_labor_cost", "total_labor_hours",
		"total_cost", "cancellation_reason", "created_by",
	}
	values := make(map[string]any, len(names))
	for _, name := range names {
		value, _ := j.Field(name)
		values[name] = value
	}
	return values
}

// PhaseHistory 阶段流转历史，只追加不修改
type PhaseHistory struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	JobOrderID string `json:"jobOrderId" gorm:"type:uuid;not null;index:idx_history_job_date,priority:1"`

	FromPhase Phase `json:"fromPhase" gorm:"size:50"` // 首条记录为空
	ToPhase   Phase `json:"toPhase" gorm:"size:50;not null"`

	TransitionDate time.Time `json:"transitionDate" gorm:"not null;index:idx_history_job_date,priority:2"`
	TransitionedBy string    `json:"transitionedBy" gorm:"size:100;not null"`
	UserRole       string    `json:"userRole" gorm:"size:50"`
	Comment        string    `json:"comment" gorm:"type:text"`

	// 上一阶段停留时长（秒）。首次流转无前序记录时为空。
	DurationSeconds *int64 `json:"durationSeconds"`

	// 流转时刻的实体快照
	AdditionalData datatypes.JSONMap `json:"additionalData"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TransitionType 流转方向分类
func (h *PhaseHistory) TransitionType() string {
	switch {
	case h.FromPhase == "":
		return "Initial"
	case h.ToPhase == PhaseCancelled:
		return "Cancellation"
	case h.FromPhase == PhaseCancelled:
		return "Reactivation"
	case h.IsForward():
		return "Forward"
	default:
		return "Backward"
	}
}

// IsForward 是否为正向流转（按阶段序号比较）
func (h *PhaseHistory) IsForward() bool {
	if h.FromPhase == "" || h.ToPhase == "" {
		return true
	}
	return phaseOrder(h.ToPhase) > phaseOrder(h.FromPhase)
}

// ScheduleStatus 预约转换状态
type ScheduleStatus string

const (
	ScheduleStatusPending     ScheduleStatus = "Pending"
	ScheduleStatusCompleted   ScheduleStatus = "Completed"
	ScheduleStatusFailed      ScheduleStatus = "Failed"
	ScheduleStatusRescheduled ScheduleStatus = "Rescheduled"
	ScheduleStatusCancelled   ScheduleStatus = "Cancelled"
)

// ScheduleConditionType 预约条件类型
type ScheduleConditionType string

const (
	// ConditionFieldValue 规则引擎语义的字段比较，operator 缺省为 ==
	ConditionFieldValue ScheduleConditionType = "field_value"
	// ConditionFieldExists 字段存在（真值语义）
	ConditionFieldExists ScheduleConditionType = "field_exists"
	// ConditionTimeElapsed 参考时间字段之后已过指定小时数
	ConditionTimeElapsed ScheduleConditionType = "time_elapsed"
)

// ScheduleCondition 预约转换的执行前置条件
type ScheduleCondition struct {
	Type     ScheduleConditionType `json:"type"`
	Field    string                `json:"field,omitempty"`
	Operator string                `json:"operator,omitempty"`
	Value    any                   `json:"value,omitempty"`

	// time_elapsed 专用
	Hours          float64 `json:"hours,omitempty"`
	ReferenceField string  `json:"referenceField,omitempty"` // 默认 phase_start_date
}

// ScheduledTransition 预约转换请求
type ScheduledTransition struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	JobOrderID string `json:"jobOrderId" gorm:"type:uuid;not null;index"`

	Action      string    `json:"action" gorm:"size:100;not null"`
	ScheduledAt time.Time `json:"scheduledAt" gorm:"not null;index"`
	Comment     string    `json:"comment" gorm:"type:text"`

	Conditions []ScheduleCondition `json:"conditions" gorm:"type:jsonb;serializer:json"`

	Status   ScheduleStatus `json:"status" gorm:"size:20;not null;default:Pending;index"`
	Attempts int            `json:"attempts" gorm:"default:0"` // 重排次数

	CreatedBy string `json:"createdBy" gorm:"size:100;not null"`

	CancelledBy        string     `json:"cancelledBy,omitempty" gorm:"size:100"`
	CancellationReason string     `json:"cancellationReason,omitempty" gorm:"type:text"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`

	ExecutedAt      *time.Time `json:"executedAt,omitempty"`
	ExecutionResult string     `json:"executionResult,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Cancellable Pending 与 Rescheduled 状态允许取消
func (s *ScheduledTransition) Cancellable() bool {
	return s.Status == ScheduleStatusPending || s.Status == ScheduleStatusRescheduled
}

// AutomationConditionType 自动化规则条件类型
type AutomationConditionType string

const (
	AutoCondCurrentPhase AutomationConditionType = "current_phase"
	AutoCondPriority     AutomationConditionType = "priority"
	AutoCondDaysInPhase  AutomationConditionType = "days_in_phase"
	// AutoCondField 规则引擎语义的通用字段比较
	AutoCondField AutomationConditionType = "field"
)

// AutomationCondition 自动化规则触发条件
type AutomationCondition struct {
	Type     AutomationConditionType `json:"type"`
	Field    string                  `json:"field,omitempty"`
	Operator string                  `json:"operator,omitempty"`
	Value    any                     `json:"value"`
}

// AutomationActionType 自动化动作类型
type AutomationActionType string

const (
	AutoActionTransition   AutomationActionType = "transition"
	AutoActionNotification AutomationActionType = "notification"
	AutoActionFieldUpdate  AutomationActionType = "field_update"
)

// AutomationAction 自动化规则动作
type AutomationAction struct {
	Type AutomationActionType `json:"type"`

	// transition 专用
	Action  string `json:"action,omitempty"`
	Comment string `json:"comment,omitempty"`

	// notification 专用
	Recipients []string `json:"recipients,omitempty"`
	Message    string   `json:"message,omitempty"`

	// field_update 专用
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
}

// AutomationRule 事件触发的自动化规则
type AutomationRule struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	RuleName string `json:"ruleName" gorm:"size:255;not null;uniqueIndex"`

	TriggerEvent string                `json:"triggerEvent" gorm:"size:100;not null;index"`
	Conditions   []AutomationCondition `json:"conditions" gorm:"type:jsonb;serializer:json"`
	Actions      []AutomationAction    `json:"actions" gorm:"type:jsonb;serializer:json"`

	IsActive bool `json:"isActive" gorm:"default:true;index"`

	// 冷却时间（秒），0 表示不限制
	CooldownSeconds int        `json:"cooldownSeconds" gorm:"default:0"`
	LastFiredAt     *time.Time `json:"lastFiredAt"`
	FireCount       int64      `json:"fireCount" gorm:"default:0"`

	CreatedBy string    `json:"createdBy" gorm:"size:100"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// InCooldown 是否处于冷却期内
func (r *AutomationRule) InCooldown(now time.Time) bool {
	if r.CooldownSeconds <= 0 || r.LastFiredAt == nil {
		return false
	}
	return now.Sub(*r.LastFiredAt) < time.Duration(r.CooldownSeconds)*time.Second
}

// AutomationActionResult 单个自动化动作的执行结果
type AutomationActionResult struct {
	ActionType AutomationActionType `json:"actionType"`
	Success    bool                 `json:"success"`
	Message    string               `json:"message"`
}

// AutomationLog 自动化规则执行日志
type AutomationLog struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	RuleID     string `json:"ruleId" gorm:"type:uuid;not null;index"`
	RuleName   string `json:"ruleName" gorm:"size:255;not null"`
	JobOrderID string `json:"jobOrderId" gorm:"type:uuid;not null;index"`

	TriggerEvent string `json:"triggerEvent" gorm:"size:100;not null"`
	Executed     bool   `json:"executed"`
	Reason       string `json:"reason,omitempty" gorm:"type:text"`

	Results []AutomationActionResult `json:"results,omitempty" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}
