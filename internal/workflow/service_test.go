package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, db *gorm.DB, opts ...ServiceOption) *Service {
	t.Helper()
	executor := newTestExecutor(t, db)
	return NewService(db, executor.registry, executor.validator, executor, executor.history, zap.NewNop(), opts...)
}

// fakeRoles 固定映射的角色解析器
type fakeRoles struct {
	roles map[string][]string
	err   error
}

func (f fakeRoles) Roles(ctx context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[userID], nil
}

func TestRequestTransitionRunsAutomationHook(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	notifier := &recordingNotifier{}
	automation := newTestAutomation(t, db, notifier)
	svc := newTestService(t, db, WithAutomation(automation))
	job := seedJob(t, db, nil)

	rule := AutomationRule{
		RuleName:     "alert-after-estimation",
		TriggerEvent: EventPhaseChanged,
		IsActive:     true,
		Conditions: []AutomationCondition{
			{Type: AutoCondCurrentPhase, Value: "Estimation"},
		},
		Actions: []AutomationAction{
			{Type: AutoActionNotification, Recipients: []string{"ops@example.com"}},
		},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	result, err := svc.RequestTransition(ctx, job.ID, "Request Estimation", actor, "")
	require.NoError(t, err)
	require.Equal(t, "Successfully transitioned from Submission to Estimation", result.Message)

	// 转换提交后钩子同步评估 phase_changed 规则
	require.Len(t, notifier.sent, 1)
	require.Equal(t, []string{"ops@example.com"}, notifier.sent[0].recipients)

	stored, err := automation.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.FireCount)
}

func TestBulkTransition(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	first := seedJob(t, db, nil)
	stuck := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseEstimation
	})
	second := seedJob(t, db, nil)

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	ids := []string{first.ID, stuck.ID, "missing-id", second.ID}
	bulk, err := svc.BulkTransition(ctx, ids, "Request Estimation", actor, "")
	require.NoError(t, err)

	require.Equal(t, 4, bulk.TotalProcessed)
	require.Equal(t, 2, bulk.Successful)
	require.Equal(t, 2, bulk.Failed)
	require.Equal(t, "Bulk transition completed: 2 successful, 2 failed", bulk.Message)
	require.Len(t, bulk.Results, 4)

	require.True(t, bulk.Results[0].Success)
	require.Equal(t, fmt.Sprintf("Job Order %s successfully transitioned from Submission to Estimation", first.ID), bulk.Results[0].Message)

	// 单个失败不影响其余工单，消息取自工作流错误
	require.False(t, bulk.Results[1].Success)
	require.Equal(t, "Invalid transition from Estimation to Request Estimation. Valid transitions: Client Approval, Submission", bulk.Results[1].Message)

	require.False(t, bulk.Results[2].Success)
	require.Equal(t, "工单不存在: missing-id", bulk.Results[2].Message)

	require.True(t, bulk.Results[3].Success)

	var moved JobOrder
	require.NoError(t, db.First(&moved, "id = ?", second.ID).Error)
	require.Equal(t, PhaseEstimation, moved.Phase)
}

func TestRollbackRequiresSystemManager(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseExecution
	})

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	_, err := svc.RollbackPhase(ctx, job.ID, PhasePlanning, actor, "rework")
	require.Error(t, err)

	werr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindPermission, werr.Kind)
	require.Equal(t, "Rollback operations require System Manager permissions", werr.Message)

	var stored JobOrder
	require.NoError(t, db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, PhaseExecution, stored.Phase)
}

func TestRollbackRejectsInvalidPath(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseEstimation
	})

	admin := Actor{ID: "u-admin", Roles: []string{"System Manager"}}
	_, err := svc.RollbackPhase(ctx, job.ID, PhaseReview, admin, "skip ahead")
	require.Error(t, err)

	werr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindValidation, werr.Kind)
	require.Equal(t, "Cannot rollback from Estimation to Review", werr.Message)
}

func TestRollbackPhase(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	fixed := time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, WithServiceClock(func() time.Time { return fixed }))
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseExecution
		j.Status = StatusInProgress
	})

	admin := Actor{ID: "u-admin", Roles: []string{"System Manager"}}
	result, err := svc.RollbackPhase(ctx, job.ID, PhasePlanning, admin, "现场返工")
	require.NoError(t, err)
	require.Equal(t, job.ID, result.JobOrderID)
	require.Equal(t, PhaseExecution, result.FromState)
	require.Equal(t, PhasePlanning, result.ToState)
	require.Equal(t, "现场返工", result.Reason)
	require.Equal(t, "u-admin", result.User)
	require.True(t, result.Timestamp.Equal(fixed))
	require.Equal(t, fmt.Sprintf("Job Order %s rolled back from Execution to Planning", job.ID), result.Message)

	var stored JobOrder
	require.NoError(t, db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, PhasePlanning, stored.Phase)
	require.NotNil(t, stored.PhaseStartDate)
	require.True(t, stored.PhaseStartDate.Equal(fixed))

	history, err := svc.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, PhaseExecution, history[0].FromPhase)
	require.Equal(t, PhasePlanning, history[0].ToPhase)
	require.Equal(t, "ROLLBACK: 现场返工", history[0].Comment)
	require.Equal(t, "System Manager", history[0].UserRole)
	require.Equal(t, "u-admin", history[0].TransitionedBy)
}

func TestRollbackFromArchivedReopens(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	end := time.Date(2025, 4, 30, 17, 0, 0, 0, time.UTC)
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseArchived
		j.Status = StatusCompleted
		j.EndDate = &end
	})

	admin := Actor{ID: "u-admin", Roles: []string{"System Manager"}}
	result, err := svc.RollbackPhase(ctx, job.ID, PhaseCloseout, admin, "missing documents")
	require.NoError(t, err)
	require.Equal(t, PhaseCloseout, result.ToState)

	// 从归档回退要清除结束日期并恢复进行中状态
	var stored JobOrder
	require.NoError(t, db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, PhaseCloseout, stored.Phase)
	require.Nil(t, stored.EndDate)
	require.Equal(t, StatusInProgress, stored.Status)
}

func TestRollbackJobOrderNotFound(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	admin := Actor{ID: "u-admin", Roles: []string{"System Manager"}}
	_, err := svc.RollbackPhase(ctx, "missing-id", PhaseSubmission, admin, "")
	require.ErrorIs(t, err, ErrJobOrderNotFound)
}

func TestGetValidTransitions(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	job := seedJob(t, db, nil)

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	available, err := svc.GetValidTransitions(ctx, job.ID, actor)
	require.NoError(t, err)
	require.Equal(t, job.ID, available.JobOrderID)
	require.Equal(t, PhaseSubmission, available.CurrentState)
	require.Len(t, available.Transitions, 2)

	estimation := available.Transitions[0]
	require.Equal(t, "Request Estimation", estimation.Action)
	require.Equal(t, PhaseEstimation, estimation.NextState)
	require.Equal(t, []string{"Estimator", "Project Manager", "System Manager"}, estimation.AllowedRoles)
	require.True(t, estimation.HasPermission)
	require.True(t, estimation.IsValid)
	require.Nil(t, estimation.ValidationMessage)
	require.True(t, estimation.Prerequisites.Valid)

	// 取消缺少 cancellation_reason,字段校验失败但权限独立呈现
	cancel := available.Transitions[1]
	require.Equal(t, "Cancel", cancel.Action)
	require.Equal(t, PhaseCancelled, cancel.NextState)
	require.Equal(t, []string{"Project Manager", "System Manager"}, cancel.AllowedRoles)
	require.True(t, cancel.HasPermission)
	require.False(t, cancel.IsValid)
	require.NotNil(t, cancel.ValidationMessage)
	require.Equal(t, "Missing required fields for Cancelled: cancellation_reason", *cancel.ValidationMessage)

	t.Run("无角色的操作者仅失去权限", func(t *testing.T) {
		tech := Actor{ID: "u-tech", Roles: []string{"Technician"}}
		available, err := svc.GetValidTransitions(ctx, job.ID, tech)
		require.NoError(t, err)
		require.False(t, available.Transitions[0].HasPermission)
		require.False(t, available.Transitions[1].HasPermission)
		// 字段与规则校验结果与角色无关
		require.True(t, available.Transitions[0].IsValid)
	})
}

func TestValidateTransition(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	job := seedJob(t, db, nil)

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	report, err := svc.ValidateTransition(ctx, job.ID, "Request Estimation", actor)
	require.NoError(t, err)
	require.Equal(t, job.ID, report.JobOrderID)
	require.Equal(t, "Request Estimation", report.Action)
	require.Equal(t, PhaseSubmission, report.CurrentState)
	require.Equal(t, PhaseEstimation, report.NextState)
	require.True(t, report.IsValid)

	require.True(t, report.Details.TransitionValid.Valid)
	require.Equal(t, "Transition is valid", report.Details.TransitionValid.Message)
	require.True(t, report.Details.Prerequisites.Valid)
	require.True(t, report.Details.Permissions.Valid)
	require.Equal(t, "Permission granted", report.Details.Permissions.Message)
	require.Equal(t, []string{"Estimator", "Project Manager", "System Manager"}, report.Details.Permissions.RequiredRoles)
	require.Equal(t, []string{"Project Manager"}, report.Details.Permissions.UserRoles)
	require.True(t, report.Details.BusinessRules.Valid)
	require.Equal(t, "All business rules passed", report.Details.BusinessRules.Message)
	require.Empty(t, report.Details.BusinessRules.RulesFailed)
}

func TestValidateTransitionUnknownAction(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	job := seedJob(t, db, nil)

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	report, err := svc.ValidateTransition(ctx, job.ID, "Teleport", actor)
	require.NoError(t, err)
	require.False(t, report.IsValid)
	require.Equal(t, Phase(""), report.NextState)
	require.False(t, report.Details.TransitionValid.Valid)
	require.Equal(t, "Action 'Teleport' not available from state 'Submission'", report.Details.TransitionValid.Message)
	require.Equal(t, "Transition not found", report.Details.Permissions.Message)
	require.False(t, report.Details.Prerequisites.Valid)
	// 无目标阶段时业务规则空转通过
	require.True(t, report.Details.BusinessRules.Valid)
}

func TestValidateTransitionInsufficientPermission(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	job := seedJob(t, db, nil)

	tech := Actor{ID: "u-tech", Roles: []string{"Technician"}}
	report, err := svc.ValidateTransition(ctx, job.ID, "Request Estimation", tech)
	require.NoError(t, err)
	require.False(t, report.IsValid)
	require.True(t, report.Details.TransitionValid.Valid)
	require.False(t, report.Details.Permissions.Valid)
	require.Equal(t, "Insufficient permissions", report.Details.Permissions.Message)
	require.Equal(t, []string{"Technician"}, report.Details.Permissions.UserRoles)
}

func TestValidateTransitionBusinessRules(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	t.Run("执行前必须有开始日期", func(t *testing.T) {
		job := seedJob(t, db, func(j *JobOrder) {
			j.Phase = PhasePrework
			j.StartDate = nil
		})
		supervisor := Actor{ID: "u-super", Roles: []string{"Site Supervisor"}}
		report, err := svc.ValidateTransition(ctx, job.ID, "Begin Execution", supervisor)
		require.NoError(t, err)
		require.False(t, report.IsValid)
		require.False(t, report.Details.BusinessRules.Valid)
		require.Equal(t, "1 business rules failed", report.Details.BusinessRules.Message)
		require.Equal(t, []string{"Start date must be set before execution"}, report.Details.BusinessRules.RulesFailed)
	})

	t.Run("开票前必须有人工成本", func(t *testing.T) {
		job := seedJob(t, db, func(j *JobOrder) {
			j.Phase = PhaseReview
			j.LaborEntries = nil
			j.RecalculateTotals()
		})
		actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
		report, err := svc.ValidateTransition(ctx, job.ID, "Approve for Invoicing", actor)
		require.NoError(t, err)
		require.False(t, report.IsValid)
		require.Equal(t, []string{"Labor costs must be recorded before invoicing"}, report.Details.BusinessRules.RulesFailed)
	})
}

func TestCheckJobPrerequisites(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	job := seedJob(t, db, nil)
	check, err := svc.CheckJobPrerequisites(ctx, job.ID, PhasePlanning)
	require.NoError(t, err)
	require.Equal(t, job.ID, check.JobOrderID)
	require.Equal(t, PhasePlanning, check.TargetPhase)
	require.True(t, check.PrerequisitesMet)
	require.Equal(t, "All prerequisites met", check.Details.Message)

	t.Run("未配置团队时规划前置不满足", func(t *testing.T) {
		bare := seedJob(t, db, func(j *JobOrder) {
			j.TeamMembers = nil
		})
		check, err := svc.CheckJobPrerequisites(ctx, bare.ID, PhasePlanning)
		require.NoError(t, err)
		require.False(t, check.PrerequisitesMet)
		require.Len(t, check.Details.Unmet, 1)
		require.Equal(t, "team_members", check.Details.Unmet[0].Table)
	})
}

func TestCreateJobOrder(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	fixed := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, WithServiceClock(func() time.Time { return fixed }))

	start := time.Date(2025, 6, 20, 8, 0, 0, 0, time.UTC)
	req := CreateJobOrderRequest{
		CustomerName: "Northwind Logistics",
		ProjectName:  "Cold Storage Expansion",
		JobType:      "Construction",
		Description:  "Extend the cold storage hall by two bays",
		ScopeOfWork:  "Foundations, steel frame and refrigeration loop",
		StartDate:    &start,
		TeamMembers:  []string{"crew-01"},
		MaterialRequisitions: []MaterialRequisition{
			{ItemCode: "STL-01", ItemName: "Steel beam", Quantity: 12, UnitCost: 25, TotalCost: 300, Status: "Pending"},
		},
		LaborEntries: []LaborEntry{
			{Worker: "crew-01", Activity: "Groundwork", Hours: 8, Rate: 50, Cost: 400},
		},
	}

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	job, err := svc.CreateJobOrder(ctx, req, actor)
	require.NoError(t, err)
	require.Equal(t, "JOB-25-00001", job.JobNumber)
	require.Equal(t, PhaseSubmission, job.Phase)
	require.Equal(t, StatusOpen, job.Status)
	require.Equal(t, "Medium", job.Priority) // 未指定时默认 Medium
	require.Equal(t, "u-pm", job.CreatedBy)
	require.NotNil(t, job.PhaseStartDate)
	require.True(t, job.PhaseStartDate.Equal(fixed))
	require.Equal(t, 300.0, job.TotalMaterialCost)
	require.Equal(t, 400.0, job.TotalLaborCost)
	require.Equal(t, 8.0, job.TotalLaborHours)
	require.Equal(t, 700.0, job.TotalCost)

	// 创建即写入首条历史,from_phase 为空
	history, err := svc.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, Phase(""), history[0].FromPhase)
	require.Equal(t, PhaseSubmission, history[0].ToPhase)
	require.Equal(t, "Job order created", history[0].Comment)
	require.Equal(t, "Project Manager", history[0].UserRole)
	require.True(t, history[0].TransitionDate.Equal(fixed))

	t.Run("编号按年度序列递增", func(t *testing.T) {
		second, err := svc.CreateJobOrder(ctx, req, actor)
		require.NoError(t, err)
		require.Equal(t, "JOB-25-00002", second.JobNumber)
	})

	t.Run("结束日期早于开始日期", func(t *testing.T) {
		end := start.Add(-48 * time.Hour)
		bad := req
		bad.EndDate = &end
		_, err := svc.CreateJobOrder(ctx, bad, actor)
		require.Error(t, err)
		werr, ok := AsError(err)
		require.True(t, ok)
		require.Equal(t, KindValidation, werr.Kind)
		require.Equal(t, "End Date cannot be before Start Date", werr.Message)
	})
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)

	current := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	executor := newTestExecutor(t, db, WithClock(clock))
	svc := NewService(db, executor.registry, executor.validator, executor, executor.history,
		zap.NewNop(), WithServiceClock(clock))
	job := seedJob(t, db, nil)

	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	_, err := svc.RequestTransition(ctx, job.ID, "Request Estimation", actor, "")
	require.NoError(t, err)

	// 估算停留 36 小时后进入客户审批
	approvalAt := current.Add(36 * time.Hour)
	current = approvalAt
	_, err = svc.RequestTransition(ctx, job.ID, "Submit for Client Approval", actor, "")
	require.NoError(t, err)

	current = approvalAt.Add(72*time.Hour + 30*time.Minute)
	status, err := svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, status.JobOrderID)
	require.Equal(t, PhaseClientApproval, status.CurrentState)
	require.Equal(t, StatusOpen, status.CurrentStatus)
	require.Equal(t, 30.0, status.ProgressPercentage)

	require.NotNil(t, status.PhaseStartDate)
	require.True(t, status.PhaseStartDate.Equal(approvalAt))
	require.NotNil(t, status.PhaseTargetDate) // 客户审批带 7 天升级时限
	require.True(t, status.PhaseTargetDate.Equal(approvalAt.Add(7*24*time.Hour)))
	require.Equal(t, 3, status.CurrentPhaseInfo.DaysInPhase)

	require.Len(t, status.PhaseHistory, 2)
	require.InDelta(t, 36.0, status.PhaseDurations[PhaseEstimation], 1e-9)
	require.InDelta(t, 36.0, status.TotalDuration, 1e-9)
}

func TestDetailedHistory(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	tracker := NewHistoryTracker(db)
	job := seedJob(t, db, nil)

	base := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	appendAt(t, db, tracker, job.ID, "", PhaseSubmission, base)
	appendAt(t, db, tracker, job.ID, PhaseSubmission, PhaseEstimation, base.Add(90*time.Minute))
	appendAt(t, db, tracker, job.ID, PhaseEstimation, PhaseClientApproval, base.Add(90*time.Minute).Add(36*time.Hour))

	page, err := svc.DetailedHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, page.JobOrderID)
	require.Equal(t, 3, page.HistoryCount)
	require.Len(t, page.History, 3)

	require.Equal(t, 0.0, page.History[0].DurationHours)
	require.Equal(t, "0.0 hours", page.History[0].DurationFormatted)

	require.InDelta(t, 1.5, page.History[1].DurationHours, 1e-9)
	require.Equal(t, "1.5 hours", page.History[1].DurationFormatted)

	// 超过 24 小时切换为天数显示
	require.InDelta(t, 36.0, page.History[2].DurationHours, 1e-9)
	require.Equal(t, "1.5 days", page.History[2].DurationFormatted)
}

func TestJobsByPhase(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	early := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)
	older := seedJob(t, db, func(j *JobOrder) { j.PhaseStartDate = &early })
	newer := seedJob(t, db, func(j *JobOrder) { j.PhaseStartDate = &late })
	seedJob(t, db, func(j *JobOrder) { j.Phase = PhaseEstimation })

	page, err := svc.JobsByPhase(ctx, PhaseSubmission, 0, 0)
	require.NoError(t, err)
	require.Equal(t, PhaseSubmission, page.Phase)
	require.Equal(t, 2, page.TotalJobs)
	// 按进入阶段时间倒序
	require.Equal(t, newer.ID, page.Jobs[0].ID)
	require.Equal(t, older.ID, page.Jobs[1].ID)

	t.Run("分页截断", func(t *testing.T) {
		page, err := svc.JobsByPhase(ctx, PhaseSubmission, 1, 0)
		require.NoError(t, err)
		require.Equal(t, 1, page.TotalJobs)
		require.Equal(t, newer.ID, page.Jobs[0].ID)
	})
}

func TestJobsGroupedByPhase(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	seedJob(t, db, nil)
	seedJob(t, db, nil)
	seedJob(t, db, func(j *JobOrder) { j.Phase = PhaseEstimation })

	grouped, err := svc.JobsGroupedByPhase(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 3, grouped.TotalJobs)
	require.Len(t, grouped.GroupedByPhase[PhaseSubmission], 2)
	require.Len(t, grouped.GroupedByPhase[PhaseEstimation], 1)
}

func TestUpdateJobOrder(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)
	job := seedJob(t, db, nil)

	priority := "High"
	description := "Rewire the panels and replace the main feeder"
	labor := []LaborEntry{
		{Worker: "tech-01", Activity: "Panel removal", Hours: 16, Rate: 45, Cost: 720},
		{Worker: "tech-02", Activity: "Conduit install", Hours: 10, Rate: 40, Cost: 400},
	}
	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
	updated, err := svc.UpdateJobOrder(ctx, job.ID, UpdateJobOrderRequest{
		Priority:     &priority,
		Description:  &description,
		LaborEntries: &labor,
	}, actor)
	require.NoError(t, err)
	require.Equal(t, "High", updated.Priority)
	require.Equal(t, description, updated.Description)
	// 未提供的字段保持原值,汇总金额重算
	require.Equal(t, "Acme Builders", updated.CustomerName)
	require.Equal(t, 26.0, updated.TotalLaborHours)
	require.Equal(t, 1120.0, updated.TotalLaborCost)
	require.Equal(t, 140.0, updated.TotalMaterialCost)
	require.Equal(t, 1260.0, updated.TotalCost)

	t.Run("结束日期早于开始日期", func(t *testing.T) {
		end := job.StartDate.Add(-24 * time.Hour)
		_, err := svc.UpdateJobOrder(ctx, job.ID, UpdateJobOrderRequest{EndDate: &end}, actor)
		require.Error(t, err)
		werr, ok := AsError(err)
		require.True(t, ok)
		require.Equal(t, "End Date cannot be before Start Date", werr.Message)
	})

	t.Run("工单不存在", func(t *testing.T) {
		_, err := svc.UpdateJobOrder(ctx, "missing-id", UpdateJobOrderRequest{}, actor)
		require.ErrorIs(t, err, ErrJobOrderNotFound)
	})
}

func TestListJobOrders(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	seedJob(t, db, func(j *JobOrder) { j.Priority = "High" })
	seedJob(t, db, func(j *JobOrder) {
		j.CustomerName = "Borealis Mining"
		j.Phase = PhaseEstimation
	})
	seedJob(t, db, func(j *JobOrder) {
		j.CustomerName = "Acme Construction"
		j.Status = StatusCancelled
		j.Phase = PhaseCancelled
	})

	jobs, total, err := svc.ListJobOrders(ctx, JobOrdersQuery{})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, jobs, 3)

	t.Run("按阶段过滤", func(t *testing.T) {
		jobs, total, err := svc.ListJobOrders(ctx, JobOrdersQuery{Phase: PhaseEstimation})
		require.NoError(t, err)
		require.Equal(t, int64(1), total)
		require.Equal(t, "Borealis Mining", jobs[0].CustomerName)
	})

	t.Run("客户名模糊匹配", func(t *testing.T) {
		_, total, err := svc.ListJobOrders(ctx, JobOrdersQuery{Customer: "Acme"})
		require.NoError(t, err)
		require.Equal(t, int64(2), total)
	})

	t.Run("按优先级过滤", func(t *testing.T) {
		jobs, _, err := svc.ListJobOrders(ctx, JobOrdersQuery{Priority: "High"})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
	})

	t.Run("按状态过滤", func(t *testing.T) {
		jobs, _, err := svc.ListJobOrders(ctx, JobOrdersQuery{Status: StatusCancelled})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, PhaseCancelled, jobs[0].Phase)
	})

	t.Run("分页保留总数", func(t *testing.T) {
		jobs, total, err := svc.ListJobOrders(ctx, JobOrdersQuery{Limit: 2})
		require.NoError(t, err)
		require.Equal(t, int64(3), total)
		require.Len(t, jobs, 2)
	})
}

func TestResolveActorViaResolver(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	resolver := fakeRoles{roles: map[string][]string{"u-lena": {"Estimator"}}}
	svc := newTestService(t, db, WithRoleResolver(resolver))
	job := seedJob(t, db, nil)

	// 操作者未携带角色时由解析器补全
	result, err := svc.RequestTransition(ctx, job.ID, "Request Estimation", Actor{ID: "u-lena"}, "")
	require.NoError(t, err)
	require.Equal(t, PhaseEstimation, result.ToPhase)

	history, err := svc.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "Estimator", history[0].UserRole)

	t.Run("解析失败返回系统错误", func(t *testing.T) {
		broken := newTestService(t, db, WithRoleResolver(fakeRoles{err: errors.New("directory unavailable")}))
		_, err := broken.RequestTransition(ctx, job.ID, "Submit for Client Approval", Actor{ID: "u-lena"}, "")
		require.Error(t, err)
		werr, ok := AsError(err)
		require.True(t, ok)
		require.Equal(t, KindSystem, werr.Kind)
	})

	t.Run("已带角色时不触发解析", func(t *testing.T) {
		other := seedJob(t, db, nil)
		broken := newTestService(t, db, WithRoleResolver(fakeRoles{err: errors.New("directory unavailable")}))
		actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
		_, err := broken.RequestTransition(ctx, other.ID, "Request Estimation", actor, "")
		require.NoError(t, err)
	})
}

func TestSchedulerDelegation(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)

	t.Run("未接入调度器", func(t *testing.T) {
		svc := newTestService(t, db)
		actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}
		_, err := svc.ScheduleTransition(ctx, ScheduleRequest{}, actor)
		require.Error(t, err)
		werr, ok := AsError(err)
		require.True(t, ok)
		require.Equal(t, KindSystem, werr.Kind)
		require.Equal(t, "预约调度器未启用", werr.Message)

		_, err = svc.CancelScheduled(ctx, "sched-1", actor, "")
		require.Error(t, err)
		_, err = svc.ListScheduled(ctx, "", "")
		require.Error(t, err)
	})

	scheduler := newTestScheduler(t, db)
	svc := newTestService(t, db, WithScheduler(scheduler))
	job := seedJob(t, db, nil)
	actor := Actor{ID: "u-pm", Roles: []string{"Project Manager"}}

	request, err := svc.ScheduleTransition(ctx, ScheduleRequest{
		JobOrderID:  job.ID,
		Action:      "Request Estimation",
		ScheduledAt: time.Now().UTC().Add(2 * time.Hour),
	}, actor)
	require.NoError(t, err)
	require.Equal(t, ScheduleStatusPending, request.Status)
	require.Equal(t, "u-pm", request.CreatedBy) // 创建人缺省取操作者

	listed, err := svc.ListScheduled(ctx, job.ID, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	cancelled, err := svc.CancelScheduled(ctx, request.ID, actor, "plans changed")
	require.NoError(t, err)
	require.Equal(t, ScheduleStatusCancelled, cancelled.Status)
}

func TestTriggerAutomation(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)

	t.Run("未接入自动化引擎", func(t *testing.T) {
		svc := newTestService(t, db)
		_, err := svc.TriggerAutomation(ctx, "any-id", "manual_review")
		require.Error(t, err)
		werr, ok := AsError(err)
		require.True(t, ok)
		require.Equal(t, KindSystem, werr.Kind)
		require.Equal(t, "自动化引擎未启用", werr.Message)
	})

	notifier := &recordingNotifier{}
	automation := newTestAutomation(t, db, notifier)
	svc := newTestService(t, db, WithAutomation(automation))
	job := seedJob(t, db, nil)

	rule := AutomationRule{
		RuleName:     "manual-review-alert",
		TriggerEvent: "manual_review",
		IsActive:     true,
		Actions: []AutomationAction{
			{Type: AutoActionNotification, Recipients: []string{"qa@example.com"}},
		},
	}
	_, err := automation.CreateRule(ctx, &rule)
	require.NoError(t, err)

	report, err := svc.TriggerAutomation(ctx, job.ID, "manual_review")
	require.NoError(t, err)
	require.Equal(t, 1, report.RulesEvaluated)
	require.Equal(t, 1, report.RulesExecuted)
	require.Len(t, notifier.sent, 1)

	t.Run("工单不存在", func(t *testing.T) {
		_, err := svc.TriggerAutomation(ctx, "missing-id", "manual_review")
		require.ErrorIs(t, err, ErrJobOrderNotFound)
	})
}

func TestRuleContextDerivedFields(t *testing.T) {
	db := openWorkflowDB(t)
	fixed := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, WithServiceClock(func() time.Time { return fixed }))

	job := seedJob(t, db, nil)
	context := svc.RuleContext(job)
	require.Equal(t, true, context["has_materials"])
	require.Equal(t, false, context["scheduled_weekend"]) // 周三开工
	require.InDelta(t, 10.0, context["days_in_phase"].(float64), 1e-9)

	t.Run("周末开工", func(t *testing.T) {
		saturday := time.Date(2025, 3, 8, 8, 0, 0, 0, time.UTC)
		job := seedJob(t, db, func(j *JobOrder) { j.StartDate = &saturday })
		context := svc.RuleContext(job)
		require.Equal(t, true, context["scheduled_weekend"])
	})

	t.Run("无物料无阶段时间", func(t *testing.T) {
		job := seedJob(t, db, func(j *JobOrder) {
			j.MaterialRequisitions = nil
			j.PhaseStartDate = nil
			j.StartDate = nil
		})
		context := svc.RuleContext(job)
		require.Equal(t, false, context["has_materials"])
		require.Equal(t, false, context["scheduled_weekend"])
		_, present := context["days_in_phase"]
		require.False(t, present)
	})
}

func TestEvaluateBusinessRules(t *testing.T) {
	db := openWorkflowDB(t)
	svc := newTestService(t, db)

	weekday := seedJob(t, db, nil)
	result := svc.EvaluateBusinessRules(weekday, "scheduling")
	require.False(t, result.OverallResult)
	require.Contains(t, result.RulesFailed, "weekend_work_approval")

	saturday := time.Date(2025, 3, 8, 8, 0, 0, 0, time.UTC)
	weekend := seedJob(t, db, func(j *JobOrder) { j.StartDate = &saturday })
	result = svc.EvaluateBusinessRules(weekend, "scheduling")
	require.True(t, result.OverallResult)
	require.Contains(t, result.RulesPassed, "weekend_work_approval")
}
