package workflow

import (
	"fmt"
	"strings"
)

// CheckResult 校验规则的结构化结果。Message 是对外契约，保持英文。
type CheckResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// CheckFunc 命名校验规则处理器
type CheckFunc func(job *JobOrder) CheckResult

// CheckRegistry 校验规则注册表。规则名在启动时对照阶段配置
// 校验，运行期不会出现未注册的名字。
type CheckRegistry struct {
	handlers map[string]CheckFunc
}

// NewCheckRegistry 创建空注册表
func NewCheckRegistry() *CheckRegistry {
	return &CheckRegistry{handlers: make(map[string]CheckFunc)}
}

// Register 注册处理器，重名直接覆盖
func (r *CheckRegistry) Register(name string, fn CheckFunc) {
	r.handlers[name] = fn
}

// Has 是否已注册
func (r *CheckRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names 全部已注册规则名
func (r *CheckRegistry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Run 执行命名规则。处理器 panic 时按规则失败处理，
// 校验失败不应拖垮整个转换流程。
func (r *CheckRegistry) Run(name string, job *JobOrder) (result CheckResult) {
	fn, ok := r.handlers[name]
	if !ok {
		return CheckResult{Valid: false, Message: fmt.Sprintf("Validation rule failed: %s", name)}
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = CheckResult{Valid: false, Message: fmt.Sprintf("Validation rule failed: %s", name)}
		}
	}()
	return fn(job)
}

// DefaultCheckRegistry 注册全部内置校验规则。
// 多数规则目前是固定通过的占位实现，保留名字与消息以便
// 后续接入外部系统（征信、排期、质检）。
func DefaultCheckRegistry() *CheckRegistry {
	r := NewCheckRegistry()

	r.Register("validate_basic_info", func(job *JobOrder) CheckResult {
		required := []string{"customer_name", "project_name", "job_type", "description"}
		var missing []string
		for _, field := range required {
			if !job.FieldPresent(field) {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return CheckResult{Valid: false, Message: "Missing basic information: " + strings.Join(missing, ", ")}
		}
		return CheckResult{Valid: true, Message: "Basic information validated"}
	})

	r.Register("check_customer_credit", passCheck("Customer credit check passed"))

	r.Register("validate_estimates", func(job *JobOrder) CheckResult {
		if len(job.MaterialRequisitions) == 0 && len(job.LaborEntries) == 0 {
			return CheckResult{Valid: false, Message: "Either material requisitions or labor entries must be provided"}
		}
		return CheckResult{Valid: true, Message: "Estimates validated"}
	})

	r.Register("check_material_availability", passCheck("Material availability confirmed"))
	r.Register("validate_client_approval", passCheck("Client approval validated"))
	r.Register("check_contract_terms", passCheck("Contract terms validated"))

	r.Register("validate_resource_availability", func(job *JobOrder) CheckResult {
		if len(job.TeamMembers) == 0 {
			return CheckResult{Valid: false, Message: "Team members must be assigned"}
		}
		return CheckResult{Valid: true, Message: "Resource availability validated"}
	})

	r.Register("check_schedule_conflicts", passCheck("No scheduling conflicts found"))
	r.Register("validate_material_orders", passCheck("Material orders validated"))
	r.Register("check_permits", passCheck("Permits verified"))
	r.Register("verify_equipment_availability", passCheck("Equipment availability verified"))
	r.Register("validate_work_completion", passCheck("Work completion validated"))
	r.Register("check_quality_standards", passCheck("Quality standards met"))
	r.Register("validate_quality_standards", passCheck("Quality standards validated"))
	r.Register("client_sign_off", passCheck("Client sign-off confirmed"))

	r.Register("validate_billing_amounts", func(job *JobOrder) CheckResult {
		if job.TotalMaterialCost == 0 && job.TotalLaborCost == 0 {
			return CheckResult{Valid: false, Message: "No billing amounts calculated"}
		}
		return CheckResult{Valid: true, Message: "Billing amounts validated"}
	})

	r.Register("check_payment_terms", passCheck("Payment terms validated"))
	r.Register("validate_documentation", passCheck("Documentation validated"))
	r.Register("confirm_payment_received", passCheck("Payment confirmed"))

	r.Register("validate_cancellation_reason", func(job *JobOrder) CheckResult {
		if job.CancellationReason == "" {
			return CheckResult{Valid: false, Message: "Cancellation reason is required"}
		}
		return CheckResult{Valid: true, Message: "Cancellation reason validated"}
	})

	return r
}

func passCheck(message string) CheckFunc {
	return func(*JobOrder) CheckResult {
		return CheckResult{Valid: true, Message: message}
	}
}
