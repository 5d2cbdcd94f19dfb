// Package rules 通用业务规则引擎。
// 规则由条件组与动作组构成，条件按字段取值比较，
// 动作执行后返回不透明的字符串令牌，由调用方解释。
package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operator 条件比较操作符
type Operator string

const (
	OpEqual       Operator = "=="
	OpNotEqual    Operator = "!="
	OpGreater     Operator = ">"
	OpGreaterEq   Operator = ">="
	OpLess        Operator = "<"
	OpLessEq      Operator = "<="
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegex       Operator = "regex"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
	OpDateBefore  Operator = "date_before"
	OpDateAfter   Operator = "date_after"
	OpDateEquals  Operator = "date_equals"
)

var knownOperators = map[Operator]struct{}{
	OpEqual: {}, OpNotEqual: {},
	OpGreater: {}, OpGreaterEq: {}, OpLess: {}, OpLessEq: {},
	OpIn: {}, OpNotIn: {},
	OpContains: {}, OpNotContains: {},
	OpStartsWith: {}, OpEndsWith: {}, OpRegex: {},
	OpIsNull: {}, OpIsNotNull: {},
	OpDateBefore: {}, OpDateAfter: {}, OpDateEquals: {},
}

// ValidOperator 判断操作符是否受支持
func ValidOperator(op Operator) bool {
	_, ok := knownOperators[op]
	return ok
}

// Condition 单个条件。Field 支持点号路径访问嵌套字段。
// Logic 只在条件组首个条件上生效，决定整组按 AND 还是 OR 聚合。
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	Logic    string   `json:"logic,omitempty"`
}

// Action 规则动作定义
type Action struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Level     string `json:"level,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message,omitempty"`
	Field     string `json:"field,omitempty"`
	Value     any    `json:"value,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
}

// Rule 规则定义。Conditions 与 Expression 二选一：
// Expression 非空时走表达式评估，否则逐条评估 Conditions。
type Rule struct {
	Name        string      `json:"name"`
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Expression  string      `json:"expression,omitempty"`
	Actions     []Action    `json:"actions,omitempty"`
}

// Result 一次批量评估的汇总结果
type Result struct {
	RulesEvaluated   []string `json:"rules_evaluated"`
	RulesPassed      []string `json:"rules_passed"`
	RulesFailed      []string `json:"rules_failed"`
	ActionsTriggered []string `json:"actions_triggered"`
	OverallResult    bool     `json:"overall_result"`
}

// RuleResult 单条规则执行结果
type RuleResult struct {
	RuleName            string   `json:"rule_name"`
	Passed              bool     `json:"passed"`
	ConditionsEvaluated int      `json:"conditions_evaluated"`
	ConditionsPassed    int      `json:"conditions_passed"`
	Actions             []string `json:"actions"`
	Err                 error    `json:"-"`
}

// ConditionsResult 条件组评估结果
type ConditionsResult struct {
	AllPassed  bool   `json:"all_passed"`
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Individual []bool `json:"individual_results"`
}

// Engine 业务规则引擎。内置规则在构造时加载，
// 自定义规则可在运行时注册，并发读写安全。
type Engine struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	builtin []Rule
	custom  map[string]Rule
}

// Option 引擎配置项
type Option func(*Engine)

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBuiltinRules 覆盖内置规则集
func WithBuiltinRules(rules []Rule) Option {
	return func(e *Engine) { e.builtin = rules }
}

// NewEngine 创建规则引擎，默认携带内置业务规则
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:  zap.NewNop(),
		builtin: BuiltinRules(),
		custom:  make(map[string]Rule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate 评估全部适用规则。ruleType 非空时按规则类型过滤。
// 单条规则的评估失败只影响该规则的结果，不中断整体评估。
func (e *Engine) Evaluate(context map[string]any, ruleType string) Result {
	result := Result{
		RulesEvaluated:   []string{},
		RulesPassed:      []string{},
		RulesFailed:      []string{},
		ActionsTriggered: []string{},
		OverallResult:    true,
	}

	for _, rule := range e.applicableRules(ruleType) {
		ruleResult := e.ExecuteRule(rule, context)
		result.RulesEvaluated = append(result.RulesEvaluated, rule.Name)

		if ruleResult.Err != nil {
			e.logger.Warn("规则评估出错",
				zap.String("rule", rule.Name),
				zap.Error(ruleResult.Err))
		}

		if ruleResult.Passed {
			result.RulesPassed = append(result.RulesPassed, rule.Name)
			result.ActionsTriggered = append(result.ActionsTriggered, ruleResult.Actions...)
		} else {
			result.RulesFailed = append(result.RulesFailed, rule.Name)
			result.OverallResult = false
		}
	}

	return result
}

// ExecuteRule 执行单条规则：条件全部通过时依次执行动作
func (e *Engine) ExecuteRule(rule Rule, context map[string]any) RuleResult {
	result := RuleResult{
		RuleName: rule.Name,
		Actions:  []string{},
	}

	if rule.Expression != "" {
		passed, err := e.EvaluateExpression(rule.Expression, context)
		if err != nil {
			result.Err = err
			return result
		}
		result.Passed = passed
		result.ConditionsEvaluated = 1
		if passed {
			result.ConditionsPassed = 1
		}
	} else {
		outcome := e.EvaluateConditions(rule.Conditions, context)
		result.Passed = outcome.AllPassed
		result.ConditionsEvaluated = outcome.Total
		result.ConditionsPassed = outcome.Passed
	}

	if result.Passed {
		for _, action := range rule.Actions {
			if token := e.executeAction(action); token != "" {
				result.Actions = append(result.Actions, token)
			}
		}
	}

	return result
}

// EvaluateConditions 评估条件组。空条件组视为通过。
// 聚合逻辑取首个条件的 logic 字段，默认 AND。
func (e *Engine) EvaluateConditions(conditions []Condition, context map[string]any) ConditionsResult {
	if len(conditions) == 0 {
		return ConditionsResult{AllPassed: true}
	}

	individual := make([]bool, 0, len(conditions))
	passed := 0
	for _, condition := range conditions {
		ok, err := e.EvaluateCondition(condition, context)
		if err != nil {
			e.logger.Debug("条件评估出错",
				zap.String("field", condition.Field),
				zap.String("operator", string(condition.Operator)),
				zap.Error(err))
			ok = false
		}
		individual = append(individual, ok)
		if ok {
			passed++
		}
	}

	logic := strings.ToUpper(conditions[0].Logic)
	var allPassed bool
	if logic == "OR" {
		allPassed = passed > 0
	} else {
		allPassed = passed == len(individual)
	}

	return ConditionsResult{
		AllPassed:  allPassed,
		Total:      len(individual),
		Passed:     passed,
		Individual: individual,
	}
}

// EvaluateCondition 评估单个条件
func (e *Engine) EvaluateCondition(condition Condition, context map[string]any) (bool, error) {
	if condition.Field == "" || condition.Operator == "" {
		return false, nil
	}

	actual := ResolveField(condition.Field, context)
	expected := condition.Value

	switch condition.Operator {
	case OpEqual:
		return equalValues(actual, expected), nil
	case OpNotEqual:
		return !equalValues(actual, expected), nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		left, err := truthyFloat(actual)
		if err != nil {
			return false, err
		}
		right, err := asFloat(expected)
		if err != nil {
			return false, err
		}
		switch condition.Operator {
		case OpGreater:
			return left > right, nil
		case OpGreaterEq:
			return left >= right, nil
		case OpLess:
			return left < right, nil
		default:
			return left <= right, nil
		}
	case OpIn:
		list, ok := toList(expected)
		if !ok {
			return false, nil
		}
		return listContains(list, actual), nil
	case OpNotIn:
		list, ok := toList(expected)
		if !ok {
			// 非列表比较对象按"不在其中"处理
			return true, nil
		}
		return !listContains(list, actual), nil
	case OpContains:
		return strings.Contains(stringify(actual), stringify(expected)), nil
	case OpNotContains:
		return !strings.Contains(stringify(actual), stringify(expected)), nil
	case OpStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(expected)), nil
	case OpEndsWith:
		return strings.HasSuffix(stringify(actual), stringify(expected)), nil
	case OpRegex:
		matched, err := regexp.MatchString(stringify(expected), stringify(actual))
		if err != nil {
			return false, fmt.Errorf("无效的正则表达式: %w", err)
		}
		return matched, nil
	case OpIsNull:
		return isNullValue(actual), nil
	case OpIsNotNull:
		return !isNullValue(actual), nil
	case OpDateBefore, OpDateAfter, OpDateEquals:
		left, ok := asTime(actual)
		if !ok {
			return false, nil
		}
		right, ok := asTime(expected)
		if !ok {
			return false, nil
		}
		switch condition.Operator {
		case OpDateBefore:
			return left.Before(right), nil
		case OpDateAfter:
			return left.After(right), nil
		default:
			return left.Equal(right), nil
		}
	default:
		return false, fmt.Errorf("未知的操作符: %s", condition.Operator)
	}
}

// executeAction 执行动作并返回令牌，未知动作类型返回空串
func (e *Engine) executeAction(action Action) string {
	switch action.Type {
	case "require_approval":
		role := action.Role
		if role == "" {
			role = "Manager"
		}
		return "approval_required:" + role
	case "priority_allocation":
		level := action.Level
		if level == "" {
			level = "normal"
		}
		return "priority_set:" + level
	case "check_lead_times":
		return "lead_times_checked"
	case "require_quality_inspection":
		return "quality_inspection_required"
	case "send_notification":
		recipient := action.Recipient
		if recipient == "" {
			recipient = "Administrator"
		}
		message := action.Message
		if message == "" {
			message = "Business rule triggered"
		}
		return "notification_sent:" + recipient + ":" + message
	case "set_field":
		return fmt.Sprintf("field_set:%s:%v", action.Field, action.Value)
	case "create_task":
		taskType := action.TaskType
		if taskType == "" {
			taskType = "general"
		}
		return "task_created:" + taskType
	default:
		e.logger.Warn("未知的动作类型", zap.String("type", action.Type))
		return ""
	}
}

// AddRule 注册自定义规则。规则必须有名称，且至少携带
// 条件（或表达式）与动作之一。同名规则覆盖旧定义。
func (e *Engine) AddRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("规则名称不能为空")
	}
	if len(rule.Conditions) == 0 && rule.Expression == "" {
		return fmt.Errorf("规则 %s 缺少条件定义", rule.Name)
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("规则 %s 缺少动作定义", rule.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[rule.Name] = rule
	return nil
}

// RemoveRule 移除自定义规则，内置规则不可移除
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.custom[name]; !ok {
		return false
	}
	delete(e.custom, name)
	return true
}

// Rules 返回当前全部规则（内置 + 自定义）
func (e *Engine) Rules() []Rule {
	return e.applicableRules("")
}

func (e *Engine) applicableRules(ruleType string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.builtin)+len(e.custom))
	rules = append(rules, e.builtin...)
	for _, rule := range e.custom {
		rules = append(rules, rule)
	}

	if ruleType == "" {
		return rules
	}
	filtered := rules[:0]
	for _, rule := range rules {
		if rule.Type == ruleType {
			filtered = append(filtered, rule)
		}
	}
	return filtered
}

// Documentation 返回操作符、动作类型与上下文字段说明
func (e *Engine) Documentation() map[string]any {
	return map[string]any{
		"operators": map[string][]string{
			"comparison":  {"==", "!=", ">", ">=", "<", "<="},
			"inclusion":   {"in", "not_in"},
			"string":      {"contains", "not_contains", "starts_with", "ends_with", "regex"},
			"null_checks": {"is_null", "is_not_null"},
			"date":        {"date_before", "date_after", "date_equals"},
		},
		"action_types": map[string][]string{
			"approval":         {"require_approval"},
			"priority":         {"priority_allocation"},
			"notification":     {"send_notification"},
			"field_operations": {"set_field"},
			"task_management":  {"create_task"},
			"quality":          {"require_quality_inspection"},
			"material":         {"check_lead_times"},
		},
		"context_fields": map[string][]string{
			"job_order": {
				"customer_name", "project_name", "job_type", "priority",
				"total_cost", "total_material_cost", "total_labor_cost",
				"start_date", "end_date", "status", "phase",
				"has_materials", "risk_level", "scheduled_weekend",
			},
		},
	}
}

// ============================================================================
// 取值与比较辅助
// ============================================================================

// ResolveField 按点号路径从上下文取值，路径不存在时返回 nil。
// 支持 map 与结构体（含指针）的嵌套访问。
func ResolveField(field string, context map[string]any) any {
	parts := strings.Split(field, ".")
	var current any = context

	for _, part := range parts {
		if current == nil {
			return nil
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil
			}
			current = val
		default:
			val := reflect.ValueOf(current)
			if val.Kind() == reflect.Ptr {
				if val.IsNil() {
					return nil
				}
				val = val.Elem()
			}
			if val.Kind() != reflect.Struct {
				return nil
			}
			fieldVal := val.FieldByName(part)
			if !fieldVal.IsValid() {
				return nil
			}
			current = fieldVal.Interface()
		}
	}
	return current
}

// equalValues 相等比较：数值与布尔按数值比较，字符串按字符串比较，
// 跨类型（如字符串与数字）视为不等，与原有动态语义保持一致。
func equalValues(left, right any) bool {
	if isNilish(left) || isNilish(right) {
		return isNilish(left) && isNilish(right)
	}
	leftNum, leftOK := numericValue(left)
	rightNum, rightOK := numericValue(right)
	if leftOK && rightOK {
		return leftNum == rightNum
	}
	if leftOK || rightOK {
		return false
	}
	if leftStr, ok := left.(string); ok {
		rightStr, ok := right.(string)
		return ok && leftStr == rightStr
	}
	if leftTime, ok := asTime(left); ok {
		if rightTime, ok := asTime(right); ok {
			return leftTime.Equal(rightTime)
		}
	}
	return reflect.DeepEqual(left, right)
}

// numericValue 原生数值与布尔的数值化，字符串不参与
func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// asFloat 将值转为 float64，nil 与空串视为不可转换
func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		if x == "" {
			return 0, fmt.Errorf("空字符串无法转换为数值")
		}
		return strconv.ParseFloat(x, 64)
	case nil:
		return 0, fmt.Errorf("nil 无法转换为数值")
	default:
		return 0, fmt.Errorf("类型 %T 无法转换为数值", v)
	}
}

// truthyFloat 实际值侧的数值转换：假值（nil、false、空串、空集合）按 0 处理
func truthyFloat(v any) (float64, error) {
	if isFalsy(v) {
		return 0, nil
	}
	return asFloat(v)
}

// isNilish nil 以及带类型的 nil 指针/切片/map
func isNilish(v any) bool {
	if v == nil {
		return true
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return val.IsNil()
	}
	return false
}

// isNullValue is_null 操作符语义：nil 或空串
func isNullValue(v any) bool {
	if isNilish(v) {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// isFalsy 真值语义的假值：nil、false、空串、数值零、空集合
func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	}
	if num, ok := numericValue(v); ok {
		return num == 0
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		return val.IsNil()
	case reflect.Slice, reflect.Map, reflect.Array:
		return val.Len() == 0
	}
	return false
}

// stringify 文本化值，nil 按空串处理
func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// toList 将比较对象归一化为列表
func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		list := make([]any, len(x))
		for i, s := range x {
			list[i] = s
		}
		return list, true
	default:
		return nil, false
	}
}

func listContains(list []any, value any) bool {
	for _, item := range list {
		if equalValues(item, value) {
			return true
		}
	}
	return false
}

// asTime 解析时间值，字符串接受 2006-01-02 与 RFC3339 两种格式
func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		if t, err := time.Parse("2006-01-02", x); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
