package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobflow/internal/metrics"
	"jobflow/internal/workflow/rules"
)

// AutomationRuleOutcome 单条规则在一次事件中的评估结果
type AutomationRuleOutcome struct {
	RuleID   string                   `json:"ruleId"`
	RuleName string                   `json:"ruleName"`
	Executed bool                     `json:"executed"`
	Reason   string                   `json:"reason,omitempty"`
	Results  []AutomationActionResult `json:"results,omitempty"`
}

// AutomationReport 一次事件触发的全部规则评估汇总
type AutomationReport struct {
	JobOrderID     string                  `json:"jobOrderId"`
	Event          string                  `json:"event"`
	RulesEvaluated int                     `json:"rulesEvaluated"`
	RulesExecuted  int                     `json:"rulesExecuted"`
	Details        []AutomationRuleOutcome `json:"executionDetails"`
}

// AutomationEngine 事件触发的自动化规则引擎。与阶段校验规则
// 不同，自动化规则按事件名匹配，条件通过后执行副作用动作，
// 不参与转换的准入判断。
type AutomationEngine struct {
	db       *gorm.DB
	executor *Executor
	engine   *rules.Engine
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// AutomationOption 自动化引擎配置项
type AutomationOption func(*AutomationEngine)

// WithAutomationClock 替换时钟，测试用
func WithAutomationClock(now func() time.Time) AutomationOption {
	return func(a *AutomationEngine) { a.now = now }
}

// NewAutomationEngine 创建自动化规则引擎
func NewAutomationEngine(db *gorm.DB, executor *Executor, engine *rules.Engine, notifier Notifier, logger *zap.Logger, opts ...AutomationOption) *AutomationEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	a := &AutomationEngine{
		db:       db,
		executor: executor,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateRule 创建自动化规则。规则名全局唯一，条件与动作的
// 类型在创建时校验，未知类型直接拒绝。
func (a *AutomationEngine) CreateRule(ctx context.Context, rule *AutomationRule) (*AutomationRule, error) {
	if rule.RuleName == "" {
		return nil, fmt.Errorf("%w: 规则名不能为空", ErrRuleInvalid)
	}
	if rule.TriggerEvent == "" {
		return nil, fmt.Errorf("%w: 触发事件不能为空", ErrRuleInvalid)
	}
	if len(rule.Actions) == 0 {
		return nil, fmt.Errorf("%w: 至少需要一个动作", ErrRuleInvalid)
	}
	if err := validateAutomationRule(rule); err != nil {
		return nil, err
	}

	var count int64
	if err := a.db.WithContext(ctx).Model(&AutomationRule{}).
		Where("rule_name = ?", rule.RuleName).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("查询自动化规则失败: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: 规则名已存在: %s", ErrRuleInvalid, rule.RuleName)
	}

	rule.ID = uuid.NewString()
	if err := a.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("保存自动化规则失败: %w", err)
	}

	a.logger.Info("自动化规则已创建",
		zap.String("rule", rule.RuleName),
		zap.String("event", rule.TriggerEvent))
	return rule, nil
}

// UpdateRule 更新规则定义，零值字段保持不变
func (a *AutomationEngine) UpdateRule(ctx context.Context, id string, update AutomationRuleUpdate) (*AutomationRule, error) {
	rule, err := a.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.TriggerEvent != nil {
		rule.TriggerEvent = *update.TriggerEvent
	}
	if update.Conditions != nil {
		rule.Conditions = *update.Conditions
	}
	if update.Actions != nil {
		rule.Actions = *update.Actions
	}
	if update.IsActive != nil {
		rule.IsActive = *update.IsActive
	}
	if update.CooldownSeconds != nil {
		rule.CooldownSeconds = *update.CooldownSeconds
	}
	if err := validateAutomationRule(rule); err != nil {
		return nil, err
	}

	if err := a.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("保存自动化规则失败: %w", err)
	}
	return rule, nil
}

// AutomationRuleUpdate 规则更新请求，nil 字段表示不修改
type AutomationRuleUpdate struct {
	TriggerEvent    *string                `json:"triggerEvent"`
	Conditions      *[]AutomationCondition `json:"conditions"`
	Actions         *[]AutomationAction    `json:"actions"`
	IsActive        *bool                  `json:"isActive"`
	CooldownSeconds *int                   `json:"cooldownSeconds"`
}

// DeleteRule 删除自动化规则
func (a *AutomationEngine) DeleteRule(ctx context.Context, id string) error {
	result := a.db.WithContext(ctx).Delete(&AutomationRule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("删除自动化规则失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// GetRule 按 ID 查询规则
func (a *AutomationEngine) GetRule(ctx context.Context, id string) (*AutomationRule, error) {
	var rule AutomationRule
	if err := a.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		return nil, fmt.Errorf("查询自动化规则失败: %w", err)
	}
	return &rule, nil
}

// ListRules 查询规则，triggerEvent 为空表示不限事件
func (a *AutomationEngine) ListRules(ctx context.Context, triggerEvent string, activeOnly bool) ([]AutomationRule, error) {
	query := a.db.WithContext(ctx).Model(&AutomationRule{})
	if triggerEvent != "" {
		query = query.Where("trigger_event = ?", triggerEvent)
	}
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var items []AutomationRule
	if err := query.Order("rule_name asc").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("查询自动化规则失败: %w", err)
	}
	return items, nil
}

// OnEvent 按事件名评估全部启用规则。条件通过的规则依次执行
// 动作并累计触发次数；单条规则的失败不影响其余规则，逐条
// 记录到执行日志。
func (a *AutomationEngine) OnEvent(ctx context.Context, event string, job *JobOrder, extra map[string]any) (*AutomationReport, error) {
	ruleset, err := a.ListRules(ctx, event, true)
	if err != nil {
		return nil, err
	}

	now := a.now()
	report := &AutomationReport{
		JobOrderID:     job.ID,
		Event:          event,
		RulesEvaluated: len(ruleset),
		Details:        make([]AutomationRuleOutcome, 0, len(ruleset)),
	}

	for i := range ruleset {
		rule := &ruleset[i]
		outcome := AutomationRuleOutcome{RuleID: rule.ID, RuleName: rule.RuleName}

		switch {
		case rule.InCooldown(now):
			outcome.Reason = "Cooldown active"
		case !a.conditionsMet(job, rule.Conditions, extra, now):
			outcome.Reason = "Conditions not met"
		default:
			outcome.Executed = true
			outcome.Results = a.executeActions(ctx, job, rule.Actions)
			report.RulesExecuted++
			a.markFired(ctx, rule, now)
		}

		metrics.AutomationRulesFiredTotal.WithLabelValues(event, fireResult(outcome)).Inc()
		a.writeLog(ctx, rule, job.ID, event, outcome)
		report.Details = append(report.Details, outcome)
	}

	if report.RulesExecuted > 0 {
		a.logger.Info("自动化规则触发",
			zap.String("event", event),
			zap.String("job_order", job.JobNumber),
			zap.Int("executed", report.RulesExecuted))
	}
	return report, nil
}

// Scan 对所有在途工单触发一次事件评估，让 days_in_phase 一类
// 基于时间的规则无需外部事件也能生效。事件名缺省为
// EventPhaseDurationCheck。单个工单的评估失败记录日志后继续，
// 返回成功评估的工单数。
func (a *AutomationEngine) Scan(ctx context.Context, event string) (int, error) {
	if event == "" {
		event = EventPhaseDurationCheck
	}

	ruleset, err := a.ListRules(ctx, event, true)
	if err != nil {
		return 0, err
	}
	if len(ruleset) == 0 {
		return 0, nil
	}

	evaluated := 0
	var batch []JobOrder
	err = a.db.WithContext(ctx).
		Where("phase NOT IN ?", []Phase{PhaseArchived, PhaseCancelled}).
		FindInBatches(&batch, 100, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				if _, err := a.OnEvent(ctx, event, &batch[i], nil); err != nil {
					a.logger.Warn("周期扫描评估失败",
						zap.String("job_order", batch[i].JobNumber),
						zap.Error(err))
					continue
				}
				evaluated++
			}
			return nil
		}).Error
	if err != nil {
		return evaluated, fmt.Errorf("扫描在途工单失败: %w", err)
	}
	return evaluated, nil
}

// conditionsMet 逐条评估触发条件，全部满足才触发
func (a *AutomationEngine) conditionsMet(job *JobOrder, conditions []AutomationCondition, extra map[string]any, now time.Time) bool {
	for _, c := range conditions {
		switch c.Type {
		case AutoCondCurrentPhase:
			if string(job.Phase) != fmt.Sprintf("%v", c.Value) {
				return false
			}
		case AutoCondPriority:
			if job.Priority != fmt.Sprintf("%v", c.Value) {
				return false
			}
		case AutoCondDaysInPhase:
			minDays, err := daysValue(c.Value)
			if err != nil {
				a.logger.Warn("days_in_phase 条件值无效", zap.Any("value", c.Value))
				return false
			}
			if job.PhaseStartDate == nil {
				continue
			}
			elapsed := int(now.Sub(*job.PhaseStartDate).Hours() / 24)
			if elapsed < minDays {
				return false
			}
		case AutoCondField:
			op := rules.Operator(c.Operator)
			if op == "" {
				op = rules.OpEqual
			}
			values := job.FieldValues()
			for k, v := range extra {
				values[k] = v
			}
			met, err := a.engine.EvaluateCondition(rules.Condition{Field: c.Field, Operator: op, Value: c.Value}, values)
			if err != nil || !met {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// executeActions 依次执行动作，单个动作失败不阻断后续动作
func (a *AutomationEngine) executeActions(ctx context.Context, job *JobOrder, actions []AutomationAction) []AutomationActionResult {
	results := make([]AutomationActionResult, 0, len(actions))
	for _, action := range actions {
		results = append(results, a.executeAction(ctx, job, action))
	}
	return results
}

func (a *AutomationEngine) executeAction(ctx context.Context, job *JobOrder, action AutomationAction) AutomationActionResult {
	result := AutomationActionResult{ActionType: action.Type}

	switch action.Type {
	case AutoActionTransition:
		comment := action.Comment
		if comment == "" {
			comment = "Automated transition"
		}
		res, err := a.executor.Execute(ctx, job.ID, action.Action, System, comment)
		if err != nil {
			if we, ok := AsError(err); ok {
				result.Message = we.Message
			} else {
				result.Message = err.Error()
			}
			return result
		}
		result.Success = true
		result.Message = res.Message
		// 让后续动作与调用方看到新阶段
		job.Phase = res.ToPhase

	case AutoActionNotification:
		subject := fmt.Sprintf("Job Order %s - Automated Alert", job.JobNumber)
		message := action.Message
		if message == "" {
			message = "Automated notification"
		}
		if err := a.notifier.Notify(ctx, action.Recipients, subject, message); err != nil {
			result.Message = err.Error()
			return result
		}
		result.Success = true
		result.Message = fmt.Sprintf("Notifications sent to %d recipients", len(action.Recipients))

	case AutoActionFieldUpdate:
		if err := job.SetField(action.Field, action.Value); err != nil {
			result.Message = err.Error()
			return result
		}
		if err := a.db.WithContext(ctx).Save(job).Error; err != nil {
			result.Message = err.Error()
			return result
		}
		result.Success = true
		result.Message = fmt.Sprintf("Updated %s to %v", action.Field, action.Value)

	default:
		result.Message = fmt.Sprintf("未知动作类型: %s", action.Type)
	}
	return result
}

// markFired 记录触发时间并累计触发次数
func (a *AutomationEngine) markFired(ctx context.Context, rule *AutomationRule, now time.Time) {
	err := a.db.WithContext(ctx).Model(rule).Updates(map[string]any{
		"last_fired_at": now,
		"fire_count":    gorm.Expr("fire_count + 1"),
	}).Error
	if err != nil {
		a.logger.Warn("更新规则触发记录失败",
			zap.String("rule", rule.RuleName),
			zap.Error(err))
	}
}

// fireResult 规则执行结果的指标标签：
// 未触发为 skipped，触发且全部动作成功为 executed，否则 failed
func fireResult(outcome AutomationRuleOutcome) string {
	if !outcome.Executed {
		return "skipped"
	}
	for _, r := range outcome.Results {
		if !r.Success {
			return "failed"
		}
	}
	return "executed"
}

// writeLog 落执行日志，失败只记录不中断
func (a *AutomationEngine) writeLog(ctx context.Context, rule *AutomationRule, jobOrderID, event string, outcome AutomationRuleOutcome) {
	log := &AutomationLog{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		RuleName:     rule.RuleName,
		JobOrderID:   jobOrderID,
		TriggerEvent: event,
		Executed:     outcome.Executed,
		Reason:       outcome.Reason,
		Results:      outcome.Results,
	}
	if err := a.db.WithContext(ctx).Create(log).Error; err != nil {
		a.logger.Warn("写入自动化执行日志失败",
			zap.String("rule", rule.RuleName),
			zap.Error(err))
	}
}

// ListLogs 查询执行日志，按时间倒序
func (a *AutomationEngine) ListLogs(ctx context.Context, jobOrderID, ruleID string, limit int) ([]AutomationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := a.db.WithContext(ctx).Model(&AutomationLog{})
	if jobOrderID != "" {
		query = query.Where("job_order_id = ?", jobOrderID)
	}
	if ruleID != "" {
		query = query.Where("rule_id = ?", ruleID)
	}

	var items []AutomationLog
	if err := query.Order("created_at desc").Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("查询自动化执行日志失败: %w", err)
	}
	return items, nil
}

// validateAutomationRule 校验条件与动作的类型及必填参数
func validateAutomationRule(rule *AutomationRule) error {
	for i, c := range rule.Conditions {
		switch c.Type {
		case AutoCondCurrentPhase, AutoCondPriority, AutoCondDaysInPhase:
		case AutoCondField:
			if c.Field == "" {
				return fmt.Errorf("%w: 条件 %d 缺少 field", ErrRuleInvalid, i+1)
			}
			if c.Operator != "" && !rules.ValidOperator(rules.Operator(c.Operator)) {
				return fmt.Errorf("%w: 条件 %d 操作符 %q 不受支持", ErrRuleInvalid, i+1, c.Operator)
			}
		default:
			return fmt.Errorf("%w: 条件 %d 类型 %q 未知", ErrRuleInvalid, i+1, c.Type)
		}
	}
	for i, act := range rule.Actions {
		switch act.Type {
		case AutoActionTransition:
			if act.Action == "" {
				return fmt.Errorf("%w: 动作 %d 缺少 action", ErrRuleInvalid, i+1)
			}
		case AutoActionNotification:
			if len(act.Recipients) == 0 {
				return fmt.Errorf("%w: 动作 %d 缺少 recipients", ErrRuleInvalid, i+1)
			}
		case AutoActionFieldUpdate:
			if act.Field == "" {
				return fmt.Errorf("%w: 动作 %d 缺少 field", ErrRuleInvalid, i+1)
			}
		default:
			return fmt.Errorf("%w: 动作 %d 类型 %q 未知", ErrRuleInvalid, i+1, act.Type)
		}
	}
	return nil
}

func daysValue(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("期望数值，实际 %T", value)
	}
}
