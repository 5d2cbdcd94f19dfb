package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobflow/internal/workflow/rules"
)

// recordingNotifier 记录每次通知，替代真实通知渠道
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

type sentNotification struct {
	recipients []string
	subject    string
	message    string
}

func (n *recordingNotifier) Notify(ctx context.Context, recipients []string, subject, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{recipients: recipients, subject: subject, message: message})
	return nil
}

func newTestAutomation(t *testing.T, db *gorm.DB, notifier Notifier, opts ...AutomationOption) *AutomationEngine {
	t.Helper()
	executor := newTestExecutor(t, db)
	engine := rules.NewEngine(rules.WithLogger(zap.NewNop()))
	return NewAutomationEngine(db, executor, engine, notifier, zap.NewNop(), opts...)
}

func TestCreateRuleValidation(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)

	action := AutomationAction{Type: AutoActionNotification, Recipients: []string{"pm@example.com"}}
	cases := []struct {
		name string
		rule AutomationRule
	}{
		{"缺少规则名", AutomationRule{TriggerEvent: EventPhaseChanged, Actions: []AutomationAction{action}}},
		{"缺少触发事件", AutomationRule{RuleName: "r1", Actions: []AutomationAction{action}}},
		{"没有动作", AutomationRule{RuleName: "r1", TriggerEvent: EventPhaseChanged}},
		{"未知条件类型", AutomationRule{
			RuleName: "r1", TriggerEvent: EventPhaseChanged,
			Conditions: []AutomationCondition{{Type: "weather"}},
			Actions:    []AutomationAction{action},
		}},
		{"field 条件缺少字段", AutomationRule{
			RuleName: "r1", TriggerEvent: EventPhaseChanged,
			Conditions: []AutomationCondition{{Type: AutoCondField}},
			Actions:    []AutomationAction{action},
		}},
		{"field 条件操作符不支持", AutomationRule{
			RuleName: "r1", TriggerEvent: EventPhaseChanged,
			Conditions: []AutomationCondition{{Type: AutoCondField, Field: "priority", Operator: "~="}},
			Actions:    []AutomationAction{action},
		}},
		{"transition 动作缺少 action", AutomationRule{
			RuleName: "r1", TriggerEvent: EventPhaseChanged,
			Actions: []AutomationAction{{Type: AutoActionTransition}},
		}},
		{"notification 动作缺少收件人", AutomationRule{
			RuleName: "r1", TriggerEvent: EventPhaseChanged,
			Actions: []AutomationAction{{Type: AutoActionNotification}},
		}},
		{"field_update 动作缺少字段", AutomationRule{
			RuleName: "r1", TriggerEvent: EventPhaseChanged,
			Actions: []AutomationAction{{Type: AutoActionFieldUpdate}},
		}},
		{"未知动作类型", AutomationRule{
			RuleName: "r1", TriggerEvent: EventPhaseChanged,
			Actions: []AutomationAction{{Type: "reboot"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := tc.rule
			_, err := automation.CreateRule(ctx, &rule)
			require.ErrorIs(t, err, ErrRuleInvalid)
		})
	}
}

func TestCreateRuleRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)

	rule := AutomationRule{
		RuleName:     "notify-pm",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Actions:      []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"pm@example.com"}}},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)
	require.NotEmpty(t, rule.ID)

	dup := AutomationRule{
		RuleName:     "notify-pm",
		TriggerEvent: EventPhaseChanged,
		Actions:      []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"pm@example.com"}}},
	}
	_, err = automation.CreateRule(ctx, &dup)
	require.ErrorIs(t, err, ErrRuleInvalid)
}

func TestOnEventExecutesMatchingRule(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	notifier := &recordingNotifier{}
	automation := newTestAutomation(t, db, notifier)
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseEstimation
	})

	rule := AutomationRule{
		RuleName:     "alert-on-estimation",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Conditions: []AutomationCondition{
			{Type: AutoCondCurrentPhase, Value: "Estimation"},
		},
		Actions: []AutomationAction{
			{Type: AutoActionNotification, Recipients: []string{"pm@example.com", "sales@example.com"}},
		},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	report, err := automation.OnEvent(ctx, EventPhaseChanged, job, nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.RulesEvaluated)
	require.Equal(t, 1, report.RulesExecuted)
	require.True(t, report.Details[0].Executed)
	require.Len(t, report.Details[0].Results, 1)
	require.True(t, report.Details[0].Results[0].Success)
	require.Equal(t, "Notifications sent to 2 recipients", report.Details[0].Results[0].Message)

	require.Len(t, notifier.sent, 1)
	require.Equal(t, "Job Order "+job.JobNumber+" - Automated Alert", notifier.sent[0].subject)
	require.Equal(t, "Automated notification", notifier.sent[0].message)

	// 触发记录与执行日志都已落库
	var stored AutomationRule
	require.NoError(t, db.First(&stored, "id = ?", rule.ID).Error)
	require.EqualValues(t, 1, stored.FireCount)
	require.NotNil(t, stored.LastFiredAt)

	logs, err := automation.ListLogs(ctx, job.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.True(t, logs[0].Executed)
	require.Equal(t, rule.ID, logs[0].RuleID)
}

func TestOnEventSkipsWhenConditionsNotMet(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)
	job := seedJob(t, db, nil) // Priority Medium

	rule := AutomationRule{
		RuleName:     "urgent-only",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Conditions: []AutomationCondition{
			{Type: AutoCondPriority, Value: "Urgent"},
		},
		Actions: []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}}},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	report, err := automation.OnEvent(ctx, EventPhaseChanged, job, nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.RulesEvaluated)
	require.Zero(t, report.RulesExecuted)
	require.False(t, report.Details[0].Executed)
	require.Equal(t, "Conditions not met", report.Details[0].Reason)

	var stored AutomationRule
	require.NoError(t, db.First(&stored, "id = ?", rule.ID).Error)
	require.Zero(t, stored.FireCount)
}

func TestOnEventRespectsCooldown(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	automation := newTestAutomation(t, db, nil,
		WithAutomationClock(func() time.Time { return now }))
	job := seedJob(t, db, nil)

	lastFired := now.Add(-10 * time.Minute)
	rule := &AutomationRule{
		ID:              uuid.NewString(),
		RuleName:        "cooled-down",
		TriggerEvent:    EventPhaseChanged,
		IsActive:        true,
		CooldownSeconds: 3600,
		LastFiredAt:     &lastFired,
		Actions:         []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}}},
	}
	require.NoError(t, db.Create(rule).Error)

	report, err := automation.OnEvent(ctx, EventPhaseChanged, job, nil)
	require.NoError(t, err)
	require.Zero(t, report.RulesExecuted)
	require.Equal(t, "Cooldown active", report.Details[0].Reason)
}

func TestOnEventTransitionAction(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)
	job := seedJob(t, db, nil)

	rule := AutomationRule{
		RuleName:     "auto-advance",
		TriggerEvent: EventJobCreated,
		IsActive:     true,
		Actions: []AutomationAction{
			{Type: AutoActionTransition, Action: "Request Estimation"},
		},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	report, err := automation.OnEvent(ctx, EventJobCreated, job, nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.RulesExecuted)
	result := report.Details[0].Results[0]
	require.True(t, result.Success)
	require.Equal(t, "Successfully transitioned from Submission to Estimation", result.Message)

	// 内存中的工单同步到新阶段，后续规则基于新阶段评估
	require.Equal(t, PhaseEstimation, job.Phase)

	var stored JobOrder
	require.NoError(t, db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, PhaseEstimation, stored.Phase)

	var history []PhaseHistory
	require.NoError(t, db.Where("job_order_id = ?", job.ID).Find(&history).Error)
	require.Len(t, history, 1)
	require.Equal(t, "system", history[0].TransitionedBy)
}

func TestOnEventTransitionActionFailureRecorded(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)
	job := seedJob(t, db, nil)

	rule := AutomationRule{
		RuleName:     "bad-advance",
		TriggerEvent: EventJobCreated,
		IsActive:     true,
		Actions: []AutomationAction{
			{Type: AutoActionTransition, Action: "Archive"},
		},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	report, err := automation.OnEvent(ctx, EventJobCreated, job, nil)
	require.NoError(t, err)
	// 规则触发了，但动作失败只记录不上抛
	require.Equal(t, 1, report.RulesExecuted)
	result := report.Details[0].Results[0]
	require.False(t, result.Success)
	require.Equal(t, "Invalid transition from Submission to Archive. Valid transitions: Estimation, Cancelled", result.Message)

	var stored JobOrder
	require.NoError(t, db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, PhaseSubmission, stored.Phase)
}

func TestOnEventFieldUpdateAction(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)
	job := seedJob(t, db, nil)

	rule := AutomationRule{
		RuleName:     "raise-priority",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Actions: []AutomationAction{
			{Type: AutoActionFieldUpdate, Field: "priority", Value: "High"},
		},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	report, err := automation.OnEvent(ctx, EventPhaseChanged, job, nil)
	require.NoError(t, err)
	result := report.Details[0].Results[0]
	require.True(t, result.Success)
	require.Equal(t, "Updated priority to High", result.Message)

	var stored JobOrder
	require.NoError(t, db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, "High", stored.Priority)
}

func TestOnEventDaysInPhaseCondition(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	now := time.Date(2025, 4, 10, 10, 0, 0, 0, time.UTC)
	automation := newTestAutomation(t, db, nil,
		WithAutomationClock(func() time.Time { return now }))

	rule := AutomationRule{
		RuleName:     "stale-alert",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Conditions: []AutomationCondition{
			{Type: AutoCondDaysInPhase, Value: 3},
		},
		Actions: []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}}},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	t.Run("停留足够天数时触发", func(t *testing.T) {
		phaseStart := now.Add(-5 * 24 * time.Hour)
		job := seedJob(t, db, func(j *JobOrder) {
			j.PhaseStartDate = &phaseStart
		})
		report, err := automation.OnEvent(ctx, EventPhaseChanged, job, nil)
		require.NoError(t, err)
		require.Equal(t, 1, report.RulesExecuted)
	})

	t.Run("停留不足时跳过", func(t *testing.T) {
		phaseStart := now.Add(-24 * time.Hour)
		job := seedJob(t, db, func(j *JobOrder) {
			j.PhaseStartDate = &phaseStart
		})
		report, err := automation.OnEvent(ctx, EventPhaseChanged, job, nil)
		require.NoError(t, err)
		require.Zero(t, report.RulesExecuted)
	})

	t.Run("无阶段开始时间时条件不构成约束", func(t *testing.T) {
		job := seedJob(t, db, func(j *JobOrder) {
			j.PhaseStartDate = nil
		})
		report, err := automation.OnEvent(ctx, EventPhaseChanged, job, nil)
		require.NoError(t, err)
		require.Equal(t, 1, report.RulesExecuted)
	})
}

func TestOnEventFieldConditionWithExtra(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)
	job := seedJob(t, db, nil)

	// extra 上下文可以携带派生字段参与条件评估
	rule := AutomationRule{
		RuleName:     "weekend-start",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Conditions: []AutomationCondition{
			{Type: AutoCondField, Field: "scheduled_weekend", Operator: "==", Value: true},
		},
		Actions: []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}}},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	report, err := automation.OnEvent(ctx, EventPhaseChanged, job, map[string]any{"scheduled_weekend": false})
	require.NoError(t, err)
	require.Zero(t, report.RulesExecuted)

	report, err = automation.OnEvent(ctx, EventPhaseChanged, job, map[string]any{"scheduled_weekend": true})
	require.NoError(t, err)
	require.Equal(t, 1, report.RulesExecuted)
}

func TestRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)

	rule := AutomationRule{
		RuleName:     "lifecycle",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Actions:      []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}}},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	// 更新：换触发事件并停用
	newEvent := EventJobCreated
	inactive := false
	updated, err := automation.UpdateRule(ctx, rule.ID, AutomationRuleUpdate{
		TriggerEvent: &newEvent,
		IsActive:     &inactive,
	})
	require.NoError(t, err)
	require.Equal(t, EventJobCreated, updated.TriggerEvent)
	require.False(t, updated.IsActive)

	// 非法更新被拒绝
	badActions := []AutomationAction{{Type: AutoActionTransition}}
	_, err = automation.UpdateRule(ctx, rule.ID, AutomationRuleUpdate{Actions: &badActions})
	require.ErrorIs(t, err, ErrRuleInvalid)

	// 删除与重复删除
	require.NoError(t, automation.DeleteRule(ctx, rule.ID))
	require.ErrorIs(t, automation.DeleteRule(ctx, rule.ID), ErrRuleNotFound)
	_, err = automation.GetRule(ctx, rule.ID)
	require.ErrorIs(t, err, ErrRuleNotFound)
}

func TestListRulesFilters(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)

	notify := []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}}}
	for _, r := range []AutomationRule{
		{RuleName: "b-rule", TriggerEvent: EventPhaseChanged, IsActive: true, Actions: notify},
		{RuleName: "a-rule", TriggerEvent: EventPhaseChanged, IsActive: true, Actions: notify},
		{RuleName: "c-rule", TriggerEvent: EventJobCreated, IsActive: true, Actions: notify},
	} {
		rule := r
		_, err := automation.CreateRule(ctx, &rule)
		require.NoError(t, err)
	}

	all, err := automation.ListRules(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// 规则名升序
	require.Equal(t, "a-rule", all[0].RuleName)
	require.Equal(t, "b-rule", all[1].RuleName)

	phaseChanged, err := automation.ListRules(ctx, EventPhaseChanged, false)
	require.NoError(t, err)
	require.Len(t, phaseChanged, 2)
}

func TestListLogsFilters(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	automation := newTestAutomation(t, db, nil)
	job := seedJob(t, db, nil)
	other := seedJob(t, db, nil)

	rule := AutomationRule{
		RuleName:     "log-source",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Actions:      []AutomationAction{{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}}},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	_, err = automation.OnEvent(ctx, EventPhaseChanged, job, nil)
	require.NoError(t, err)
	_, err = automation.OnEvent(ctx, EventPhaseChanged, other, nil)
	require.NoError(t, err)

	all, err := automation.ListLogs(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	forJob, err := automation.ListLogs(ctx, job.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, forJob, 1)
	require.Equal(t, job.ID, forJob[0].JobOrderID)

	forRule, err := automation.ListLogs(ctx, "", rule.ID, 10)
	require.NoError(t, err)
	require.Len(t, forRule, 2)
}

func TestAutomationScan(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	notifier := &recordingNotifier{}
	now := time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)
	automation := newTestAutomation(t, db, notifier,
		WithAutomationClock(func() time.Time { return now }))

	staleStart := now.Add(-10 * 24 * time.Hour)
	freshStart := now.Add(-2 * 24 * time.Hour)
	stale := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseClientApproval
		j.PhaseStartDate = &staleStart
	})
	seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseEstimation
		j.PhaseStartDate = &freshStart
	})
	// 终态工单不参与周期扫描
	seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseArchived
		j.PhaseStartDate = &staleStart
	})

	rule := AutomationRule{
		RuleName:     "stale-approval-reminder",
		TriggerEvent: EventPhaseDurationCheck,
		IsActive:     true,
		Conditions:   []AutomationCondition{{Type: AutoCondDaysInPhase, Value: 7}},
		Actions: []AutomationAction{{
			Type:       AutoActionNotification,
			Recipients: []string{"Project Manager"},
			Message:    "Approval pending for more than a week",
		}},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	evaluated, err := automation.Scan(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, evaluated)

	// 只有超期工单满足 days_in_phase 条件
	require.Len(t, notifier.sent, 1)
	require.Equal(t, []string{"Project Manager"}, notifier.sent[0].recipients)
	require.Equal(t, "Job Order "+stale.JobNumber+" - Automated Alert", notifier.sent[0].subject)
	require.Equal(t, "Approval pending for more than a week", notifier.sent[0].message)

	var stored AutomationRule
	require.NoError(t, db.First(&stored, "id = ?", rule.ID).Error)
	require.EqualValues(t, 1, stored.FireCount)

	t.Run("无启用规则时不扫描", func(t *testing.T) {
		n, err := automation.Scan(ctx, EventJobUpdated)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}
