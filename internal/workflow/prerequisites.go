package workflow

import "fmt"

// Requirement 阶段前置要求。三种类型：
// field 要求字段有值，child_table 要求集合达到最小数量，
// custom 指向命名的业务检查。
type Requirement struct {
	Type     string `json:"type"`
	Field    string `json:"field,omitempty"`
	Required bool   `json:"required,omitempty"`
	Table    string `json:"table,omitempty"`
	MinCount int    `json:"min_count,omitempty"`
	Check    string `json:"check,omitempty"`
}

// PrerequisiteResult 前置要求检查结果
type PrerequisiteResult struct {
	Valid             bool          `json:"valid"`
	TotalRequirements int           `json:"total_requirements"`
	Unmet             []Requirement `json:"unmet_requirements"`
	Message           string        `json:"message"`
}

// phaseRequirements 各阶段的进入前置要求。与注册表的必填
// 字段校验并行存在：必填字段在转换校验中硬性拦截，
// 前置要求既独立可查询，也在执行前作为最后一道闸。
var phaseRequirements = map[Phase][]Requirement{
	PhaseEstimation: {
		{Type: "field", Field: "description", Required: true},
		{Type: "field", Field: "scope_of_work", Required: true},
	},
	PhaseClientApproval: {
		{Type: "custom", Check: "has_cost_estimate"},
	},
	PhasePlanning: {
		{Type: "child_table", Table: "team_members", MinCount: 1},
	},
	PhasePrework: {
		{Type: "custom", Check: "has_material_plan"},
	},
	PhaseExecution: {
		{Type: "custom", Check: "all_resources_allocated"},
	},
	PhaseReview: {
		{Type: "custom", Check: "work_completed"},
	},
	PhaseInvoicing: {
		{Type: "custom", Check: "quality_approved"},
	},
	PhaseCloseout: {
		{Type: "custom", Check: "payment_received"},
	},
}

// PhaseRequirements 目标阶段的前置要求，未配置的阶段为空
func PhaseRequirements(phase Phase) []Requirement {
	return phaseRequirements[phase]
}

// CheckPrerequisites 检查进入目标阶段的全部前置要求
func CheckPrerequisites(job *JobOrder, target Phase) PrerequisiteResult {
	requirements := PhaseRequirements(target)

	var unmet []Requirement
	for _, req := range requirements {
		if !requirementMet(job, req) {
			unmet = append(unmet, req)
		}
	}

	result := PrerequisiteResult{
		Valid:             len(unmet) == 0,
		TotalRequirements: len(requirements),
		Unmet:             unmet,
	}
	if result.Valid {
		result.Message = "All prerequisites met"
	} else {
		result.Message = fmt.Sprintf("%d requirements not met", len(unmet))
	}
	return result
}

func requirementMet(job *JobOrder, req Requirement) bool {
	switch req.Type {
	case "field":
		if !req.Required {
			return true
		}
		return job.FieldPresent(req.Field)
	case "child_table":
		minCount := req.MinCount
		if minCount <= 0 {
			minCount = 1
		}
		return collectionLen(job, req.Table) >= minCount
	case "custom":
		return customRequirementMet(job, req.Check)
	default:
		return true
	}
}

func collectionLen(job *JobOrder, table string) int {
	switch table {
	case "team_members":
		return len(job.TeamMembers)
	case "material_requisitions":
		return len(job.MaterialRequisitions)
	case "labor_entries":
		return len(job.LaborEntries)
	case "documents":
		return len(job.Documents)
	default:
		return 0
	}
}

// customRequirementMet 命名业务检查。work_completed、
// quality_approved 与 payment_received 等待外部系统接入，
// 目前恒为满足。
func customRequirementMet(job *JobOrder, check string) bool {
	switch check {
	case "has_cost_estimate":
		return job.TotalMaterialCost > 0 || job.TotalLaborCost > 0
	case "has_material_plan":
		return len(job.MaterialRequisitions) > 0
	case "all_resources_allocated":
		return len(job.TeamMembers) > 0
	case "work_completed", "quality_approved", "payment_received":
		return true
	default:
		return true
	}
}
