package workflow

import (
	"fmt"
	"strings"
)

// ValidationOutcome 转换校验的结构化结果。预期内的拒绝不以
// error 形式抛出，类别与消息都落在结果里；Message 为对外契约。
type ValidationOutcome struct {
	Valid   bool   `json:"valid"`
	Kind    Kind   `json:"error,omitempty"`
	Message string `json:"message"`
}

// Err 将失败结果转为对应类别的工作流错误，成功时返回 nil
func (o ValidationOutcome) Err() error {
	if o.Valid {
		return nil
	}
	return &Error{Kind: o.Kind, Message: o.Message}
}

// Validator 转换校验器。对目标阶段依次执行四道检查：
// 转换是否定义、操作者角色、必填字段、命名校验规则。
// 检查顺序固定，先失败者先返回。
type Validator struct {
	registry *Registry
	checks   *CheckRegistry
}

// NewValidator 创建校验器
func NewValidator(registry *Registry, checks *CheckRegistry) *Validator {
	return &Validator{registry: registry, checks: checks}
}

// Validate 校验 job 从当前阶段到 to 的转换。
// roles 为操作者的全部角色，目标阶段未声明 submit 角色时跳过
// 角色检查。
func (v *Validator) Validate(job *JobOrder, to Phase, roles []string) ValidationOutcome {
	from := job.Phase

	// 1. 转换必须在状态机中定义
	targets := v.registry.TransitionTargets(from)
	if !containsPhase(targets, to) {
		return ValidationOutcome{
			Kind: KindWorkflow,
			Message: fmt.Sprintf("Invalid transition from %s to %s. Valid transitions: %s",
				from, to, joinPhases(targets)),
		}
	}

	toConfig, _ := v.registry.Get(to)

	// 2. 操作者必须持有目标阶段要求的角色之一
	requiredRoles := toConfig.SubmitRoles()
	if len(requiredRoles) > 0 && !anyRole(roles, requiredRoles) {
		return ValidationOutcome{
			Kind: KindPermission,
			Message: fmt.Sprintf("User does not have required roles for %s. Required: %s",
				to, strings.Join(requiredRoles, ", ")),
		}
	}

	// 3. 目标阶段的必填字段必须全部存在，缺失字段全量列出
	var missing []string
	for _, field := range toConfig.RequiredFields {
		if !job.FieldPresent(field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return ValidationOutcome{
			Kind: KindValidation,
			Message: fmt.Sprintf("Missing required fields for %s: %s",
				to, strings.Join(missing, ", ")),
		}
	}

	// 4. 按配置顺序执行命名校验规则，首个失败即返回
	for _, rule := range toConfig.ValidationRules {
		result := v.checks.Run(rule, job)
		if !result.Valid {
			return ValidationOutcome{Kind: KindValidation, Message: result.Message}
		}
	}

	return ValidationOutcome{Valid: true, Message: "Transition validated successfully"}
}

// ValidateAction 先解析操作名再校验。操作在当前阶段不可解析
// 时按未定义转换处理。
func (v *Validator) ValidateAction(job *JobOrder, action string, roles []string) (Transition, ValidationOutcome) {
	transition, ok := v.registry.ResolveAction(job.Phase, action)
	if !ok {
		return Transition{}, ValidationOutcome{
			Kind: KindWorkflow,
			Message: fmt.Sprintf("Invalid transition from %s to %s. Valid transitions: %s",
				job.Phase, action, joinPhases(v.registry.TransitionTargets(job.Phase))),
		}
	}
	return transition, v.Validate(job, transition.To, roles)
}

func containsPhase(phases []Phase, target Phase) bool {
	for _, p := range phases {
		if p == target {
			return true
		}
	}
	return false
}

func joinPhases(phases []Phase) string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func anyRole(userRoles, required []string) bool {
	for _, role := range required {
		for _, have := range userRoles {
			if role == have {
				return true
			}
		}
	}
	return false
}
