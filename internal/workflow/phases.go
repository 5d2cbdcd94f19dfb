package workflow

import (
	"fmt"
	"sort"
)

// Transition 阶段间的一条转换边，Action 为对外的操作名
type Transition struct {
	Action string `json:"action" yaml:"action"`
	To     Phase  `json:"to" yaml:"to"`
}

// EscalationPolicy 阶段停留超时的升级策略
type EscalationPolicy struct {
	TimeoutDays int      `json:"timeoutDays" yaml:"timeout_days"`
	EscalateTo  []string `json:"escalateTo" yaml:"escalate_to"`
}

// PhaseConfig 单个阶段的完整配置。
// Permissions 按操作（submit/approve/view）列出允许的角色，
// 转换校验使用目标阶段的 submit 角色。
type PhaseConfig struct {
	Name              Phase               `json:"name" yaml:"name"`
	Order             int                 `json:"order" yaml:"order"`
	Transitions       []Transition        `json:"transitions" yaml:"transitions"`
	RequiredFields    []string            `json:"requiredFields" yaml:"required_fields"`
	Permissions       map[string][]string `json:"permissions" yaml:"permissions"`
	AutoActions       []string            `json:"autoActions" yaml:"auto_actions"`
	ValidationRules   []string            `json:"validationRules" yaml:"validation_rules"`
	ParallelProcesses []string            `json:"parallelProcesses,omitempty" yaml:"parallel_processes,omitempty"`
	Escalation        *EscalationPolicy   `json:"escalation,omitempty" yaml:"escalation,omitempty"`
}

// SubmitRoles 进入该阶段所需的角色集合
func (p PhaseConfig) SubmitRoles() []string {
	return p.Permissions["submit"]
}

// Registry 阶段注册表，加载后只读，可并发访问
type Registry struct {
	phases map[Phase]PhaseConfig
}

// NewRegistry 构建注册表并做结构校验：
// 阶段不重复，所有转换目标都是已注册阶段。
func NewRegistry(configs []PhaseConfig) (*Registry, error) {
	phases := make(map[Phase]PhaseConfig, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("阶段名称不能为空")
		}
		if _, dup := phases[cfg.Name]; dup {
			return nil, fmt.Errorf("阶段 %s 重复定义", cfg.Name)
		}
		phases[cfg.Name] = cfg
	}
	for _, cfg := range phases {
		for _, tr := range cfg.Transitions {
			if _, ok := phases[tr.To]; !ok {
				return nil, fmt.Errorf("阶段 %s 的转换目标 %s 未定义", cfg.Name, tr.To)
			}
			if tr.Action == "" {
				return nil, fmt.Errorf("阶段 %s 到 %s 的转换缺少操作名", cfg.Name, tr.To)
			}
		}
	}
	return &Registry{phases: phases}, nil
}

// MustNewRegistry 构建失败直接 panic，用于静态默认配置
func MustNewRegistry(configs []PhaseConfig) *Registry {
	r, err := NewRegistry(configs)
	if err != nil {
		panic(fmt.Sprintf("阶段注册表配置非法: %v", err))
	}
	return r
}

// Get 按名称取阶段配置
func (r *Registry) Get(phase Phase) (PhaseConfig, bool) {
	cfg, ok := r.phases[phase]
	return cfg, ok
}

// Phases 按阶段序号升序返回全部配置
func (r *Registry) Phases() []PhaseConfig {
	out := make([]PhaseConfig, 0, len(r.phases))
	for _, cfg := range r.phases {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ValidTransitions 当前阶段允许的转换边，阶段未知时返回空
func (r *Registry) ValidTransitions(phase Phase) []Transition {
	cfg, ok := r.phases[phase]
	if !ok {
		return nil
	}
	return cfg.Transitions
}

// TransitionTargets 当前阶段允许到达的目标阶段名
func (r *Registry) TransitionTargets(phase Phase) []Phase {
	transitions := r.ValidTransitions(phase)
	targets := make([]Phase, 0, len(transitions))
	for _, tr := range transitions {
		targets = append(targets, tr.To)
	}
	return targets
}

// ResolveAction 在当前阶段解析操作。接受操作名或直接给出
// 目标阶段名，两者都未命中时返回 false。
func (r *Registry) ResolveAction(from Phase, action string) (Transition, bool) {
	for _, tr := range r.ValidTransitions(from) {
		if tr.Action == action {
			return tr, true
		}
	}
	for _, tr := range r.ValidTransitions(from) {
		if string(tr.To) == action {
			return tr, true
		}
	}
	return Transition{}, false
}

// ValidateHandlers 校验配置引用的校验规则与自动动作都有已注册
// 的处理器。启动时调用，未注册的名字直接拒绝启动。
func (r *Registry) ValidateHandlers(checks *CheckRegistry, actions *ActionRegistry) error {
	for _, cfg := range r.Phases() {
		for _, rule := range cfg.ValidationRules {
			if !checks.Has(rule) {
				return fmt.Errorf("阶段 %s 引用了未注册的校验规则 %s", cfg.Name, rule)
			}
		}
		for _, action := range cfg.AutoActions {
			if !actions.Has(action) {
				return fmt.Errorf("阶段 %s 引用了未注册的自动动作 %s", cfg.Name, action)
			}
		}
	}
	return nil
}

// defaultPhaseOrder 阶段序号，Cancelled 作为 0 号特殊状态
var defaultPhaseOrder = map[Phase]int{
	PhaseCancelled:      0,
	PhaseSubmission:     1,
	PhaseEstimation:     2,
	PhaseClientApproval: 3,
	PhasePlanning:       4,
	PhasePrework:        5,
	PhaseExecution:      6,
	PhaseReview:         7,
	PhaseInvoicing:      8,
	PhaseCloseout:       9,
	PhaseArchived:       10,
}

func phaseOrder(p Phase) int {
	return defaultPhaseOrder[p]
}

// ProgressPercent 按阶段序号估算整体进度（Cancelled 记 0）
func ProgressPercent(p Phase) float64 {
	order := phaseOrder(p)
	if order <= 0 {
		return 0
	}
	return float64(order) / 10 * 100
}

// DefaultPhases 九阶段生命周期的默认配置，外加 Archived 终态
// 与 Cancelled 旁路状态。
func DefaultPhases() []PhaseConfig {
	return []PhaseConfig{
		{
			Name:  PhaseSubmission,
			Order: 1,
			Transitions: []Transition{
				{Action: "Request Estimation", To: PhaseEstimation},
				{Action: "Cancel", To: PhaseCancelled},
			},
			RequiredFields: []string{"customer_name", "project_name", "job_type", "start_date", "description"},
			Permissions: map[string][]string{
				"submit":  {"Job Coordinator", "Project Manager", "System Manager"},
				"approve": {"Job Coordinator", "Project Manager", "System Manager"},
			},
			AutoActions:     []string{"create_phase_history", "notify_estimator"},
			ValidationRules: []string{"validate_basic_info", "check_customer_credit"},
		},
		{
			Name:  PhaseEstimation,
			Order: 2,
			Transitions: []Transition{
				{Action: "Submit for Client Approval", To: PhaseClientApproval},
				{Action: "Return to Submission", To: PhaseSubmission},
			},
			RequiredFields: []string{"scope_of_work", "material_requisitions", "labor_entries"},
			Permissions: map[string][]string{
				"submit":  {"Estimator", "Project Manager", "System Manager"},
				"approve": {"Estimator", "Project Manager", "System Manager"},
			},
			AutoActions:     []string{"calculate_estimates", "create_phase_history", "notify_client"},
			ValidationRules: []string{"validate_estimates", "check_material_availability"},
		},
		{
			Name:  PhaseClientApproval,
			Order: 3,
			Transitions: []Transition{
				{Action: "Approve and Plan", To: PhasePlanning},
				{Action: "Return to Estimation", To: PhaseEstimation},
				{Action: "Cancel", To: PhaseCancelled},
			},
			RequiredFields: []string{"total_material_cost", "total_labor_cost"},
			Permissions: map[string][]string{
				"submit":  {"Client", "Sales Manager", "Project Manager", "System Manager"},
				"approve": {"Client", "Sales Manager", "Project Manager", "System Manager"},
			},
			AutoActions:     []string{"create_phase_history", "notify_planning_team"},
			ValidationRules: []string{"validate_client_approval", "check_contract_terms"},
			Escalation: &EscalationPolicy{
				TimeoutDays: 7,
				EscalateTo:  []string{"Sales Manager", "Project Manager"},
			},
		},
		{
			Name:  PhasePlanning,
			Order: 4,
			Transitions: []Transition{
				{Action: "Begin Prework", To: PhasePrework},
				{Action: "Return to Client Approval", To: PhaseClientApproval},
			},
			RequiredFields: []string{"team_members", "start_date", "end_date"},
			Permissions: map[string][]string{
				"submit":  {"Project Manager", "Resource Coordinator", "System Manager"},
				"approve": {"Project Manager", "Resource Coordinator", "System Manager"},
			},
			AutoActions:     []string{"allocate_resources", "create_phase_history", "notify_team"},
			ValidationRules: []string{"validate_resource_availability", "check_schedule_conflicts"},
		},
		{
			Name:  PhasePrework,
			Order: 5,
			Transitions: []Transition{
				{Action: "Begin Execution", To: PhaseExecution},
				{Action: "Return to Planning", To: PhasePlanning},
			},
			RequiredFields: []string{"material_requisitions", "team_members"},
			Permissions: map[string][]string{
				"submit":  {"Project Manager", "Site Supervisor", "System Manager"},
				"approve": {"Project Manager", "Site Supervisor", "System Manager"},
			},
			AutoActions:     []string{"order_materials", "prepare_equipment", "create_phase_history", "notify_execution_team"},
			ValidationRules: []string{"validate_material_orders", "check_permits", "verify_equipment_availability"},
		},
		{
			Name:  PhaseExecution,
			Order: 6,
			Transitions: []Transition{
				{Action: "Submit for Review", To: PhaseReview},
				{Action: "Return to Prework", To: PhasePrework},
			},
			RequiredFields: []string{"labor_entries"},
			Permissions: map[string][]string{
				"submit":  {"Site Supervisor", "Technician", "Project Manager", "System Manager"},
				"approve": {"Site Supervisor", "Project Manager", "System Manager"},
			},
			AutoActions:       []string{"track_progress", "update_labor_hours", "create_phase_history", "notify_review_team"},
			ValidationRules:   []string{"validate_work_completion", "check_quality_standards"},
			ParallelProcesses: []string{"material_tracking", "time_tracking", "quality_checks"},
		},
		{
			Name:  PhaseReview,
			Order: 7,
			Transitions: []Transition{
				{Action: "Approve for Invoicing", To: PhaseInvoicing},
				{Action: "Return to Execution", To: PhaseExecution},
			},
			RequiredFields: []string{"total_labor_hours", "total_material_cost"},
			Permissions: map[string][]string{
				"submit":  {"Quality Inspector", "Project Manager", "System Manager"},
				"approve": {"Quality Inspector", "Client", "Project Manager", "System Manager"},
			},
			AutoActions:     []string{"conduct_quality_check", "client_walkthrough", "create_phase_history", "notify_billing"},
			ValidationRules: []string{"validate_quality_standards", "client_sign_off"},
		},
		{
			Name:  PhaseInvoicing,
			Order: 8,
			Transitions: []Transition{
				{Action: "Begin Closeout", To: PhaseCloseout},
				{Action: "Return to Review", To: PhaseReview},
			},
			RequiredFields: []string{"total_material_cost", "total_labor_cost"},
			Permissions: map[string][]string{
				"submit":  {"Billing Clerk", "Accountant", "Project Manager", "System Manager"},
				"approve": {"Accountant", "Project Manager", "System Manager"},
			},
			AutoActions:     []string{"generate_invoice", "send_to_client", "create_phase_history", "notify_accounts"},
			ValidationRules: []string{"validate_billing_amounts", "check_payment_terms"},
		},
		{
			Name:  PhaseCloseout,
			Order: 9,
			Transitions: []Transition{
				{Action: "Archive", To: PhaseArchived},
			},
			RequiredFields: []string{"documents", "total_labor_hours", "total_material_cost", "total_labor_cost"},
			Permissions: map[string][]string{
				"submit":  {"Project Manager", "Document Controller", "System Manager"},
				"approve": {"Project Manager", "System Manager"},
			},
			AutoActions:     []string{"archive_documents", "generate_final_report", "create_phase_history", "notify_completion"},
			ValidationRules: []string{"validate_documentation", "confirm_payment_received"},
		},
		{
			Name:           PhaseArchived,
			Order:          10,
			Transitions:    []Transition{},
			RequiredFields: []string{},
			Permissions: map[string][]string{
				"view": {"All Roles"},
			},
			AutoActions:     []string{"final_archival"},
			ValidationRules: []string{},
		},
		{
			Name:  PhaseCancelled,
			Order: 0,
			Transitions: []Transition{
				{Action: "Reopen", To: PhaseSubmission},
			},
			RequiredFields: []string{"cancellation_reason"},
			Permissions: map[string][]string{
				"submit":  {"Project Manager", "System Manager"},
				"approve": {"Project Manager", "System Manager"},
			},
			AutoActions:     []string{"release_resources", "notify_cancellation", "create_phase_history"},
			ValidationRules: []string{"validate_cancellation_reason"},
		},
	}
}

// DefaultRegistry 默认十一阶段注册表
func DefaultRegistry() *Registry {
	return MustNewRegistry(DefaultPhases())
}
