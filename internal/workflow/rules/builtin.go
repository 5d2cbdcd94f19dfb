package rules

// BuiltinRules 内置业务规则集。
// 上下文中的 has_materials 与 scheduled_weekend 为派生字段，
// 由调用方在构造上下文时计算。
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:        "job_order_approval_threshold",
			Type:        "approval",
			Description: "Jobs over $10,000 require manager approval",
			Conditions: []Condition{
				{Field: "total_cost", Operator: OpGreater, Value: 10000, Logic: "AND"},
			},
			Actions: []Action{
				{Type: "require_approval", Role: "Project Manager"},
			},
		},
		{
			Name:        "urgent_job_priority",
			Type:        "priority",
			Description: "Urgent jobs get priority resource allocation",
			Conditions: []Condition{
				{Field: "priority", Operator: OpEqual, Value: "Urgent", Logic: "AND"},
			},
			Actions: []Action{
				{Type: "priority_allocation", Level: "high"},
			},
		},
		{
			Name:        "material_lead_time_check",
			Type:        "material",
			Description: "Check material lead times before planning",
			Conditions: []Condition{
				{Field: "has_materials", Operator: OpEqual, Value: true, Logic: "AND"},
			},
			Actions: []Action{
				{Type: "check_lead_times"},
			},
		},
		{
			Name:        "weekend_work_approval",
			Type:        "scheduling",
			Description: "Weekend work requires special approval",
			Conditions: []Condition{
				{Field: "scheduled_weekend", Operator: OpEqual, Value: true, Logic: "AND"},
			},
			Actions: []Action{
				{Type: "require_approval", Role: "Operations Manager"},
			},
		},
		{
			Name:        "quality_check_requirement",
			Type:        "quality",
			Description: "High-risk jobs require quality inspector sign-off",
			Conditions: []Condition{
				{Field: "risk_level", Operator: OpIn, Value: []any{"High", "Critical"}, Logic: "AND"},
			},
			Actions: []Action{
				{Type: "require_quality_inspection"},
			},
		},
	}
}
