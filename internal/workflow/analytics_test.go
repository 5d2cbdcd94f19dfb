package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPhaseDistributionExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	analytics := NewAnalytics(db, zap.NewNop())

	seedJob(t, db, nil)
	seedJob(t, db, nil)
	seedJob(t, db, func(j *JobOrder) { j.Phase = PhaseExecution })
	seedJob(t, db, func(j *JobOrder) { j.Phase = PhaseArchived })
	seedJob(t, db, func(j *JobOrder) { j.Phase = PhaseCancelled })

	distribution, cached, err := analytics.PhaseDistribution(ctx)
	require.NoError(t, err)
	require.False(t, cached)
	require.EqualValues(t, 2, distribution[PhaseSubmission])
	require.EqualValues(t, 1, distribution[PhaseExecution])
	require.NotContains(t, distribution, PhaseArchived)
	require.NotContains(t, distribution, PhaseCancelled)
}

func TestBottlenecks(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	now := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	analytics := NewAnalytics(db, zap.NewNop(),
		WithAnalyticsClock(func() time.Time { return now }))

	// Estimation 平均 (100+60)/2 = 80 小时，超过 72 小时阈值
	for _, hoursAgo := range []float64{100, 60} {
		start := now.Add(-time.Duration(hoursAgo * float64(time.Hour)))
		seedJob(t, db, func(j *JobOrder) {
			j.Phase = PhaseEstimation
			j.PhaseStartDate = &start
		})
	}
	recent := now.Add(-10 * time.Hour)
	seedJob(t, db, func(j *JobOrder) {
		j.PhaseStartDate = &recent
	})

	report, cached, err := analytics.Bottlenecks(ctx)
	require.NoError(t, err)
	require.False(t, cached)
	require.InDelta(t, 72, report.ThresholdHours, 0.001)
	require.Len(t, report.Bottlenecks, 1)
	require.Equal(t, PhaseEstimation, report.Bottlenecks[0].Phase)
	require.InDelta(t, 80, report.Bottlenecks[0].AverageHours, 0.1)
	require.EqualValues(t, 2, report.Bottlenecks[0].JobCount)
}

func TestMetricsSnapshot(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	now := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	analytics := NewAnalytics(db, zap.NewNop(),
		WithAnalyticsClock(func() time.Time { return now }))

	// 三张在途工单
	seedJob(t, db, nil)
	seedJob(t, db, nil)
	seedJob(t, db, func(j *JobOrder) { j.Phase = PhaseExecution })

	// 两张近三十天归档的工单：240 小时准时完成 + 480 小时逾期完成
	onTimeEnd := now.Add(-48 * time.Hour)
	onTimeTarget := now.Add(-24 * time.Hour)
	seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseArchived
		j.Status = StatusCompleted
		j.CreatedAt = now.Add(-10 * 24 * time.Hour)
		j.UpdatedAt = j.CreatedAt.Add(240 * time.Hour)
		j.EndDate = &onTimeEnd
		j.PhaseTargetDate = &onTimeTarget
	})
	lateEnd := now.Add(-24 * time.Hour)
	lateTarget := now.Add(-48 * time.Hour)
	seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseArchived
		j.Status = StatusCompleted
		j.CreatedAt = now.Add(-25 * 24 * time.Hour)
		j.UpdatedAt = j.CreatedAt.Add(480 * time.Hour)
		j.EndDate = &lateEnd
		j.PhaseTargetDate = &lateTarget
	})

	snapshot, cached, err := analytics.Metrics(ctx)
	require.NoError(t, err)
	require.False(t, cached)
	require.EqualValues(t, 3, snapshot.TotalActiveJobs)
	require.EqualValues(t, 2, snapshot.PhaseDistribution[PhaseSubmission])
	require.InDelta(t, 360, snapshot.AverageCompletionTime, 0.1)
	require.InDelta(t, 50, snapshot.OnTimePercentage, 0.001)
	// 0.5*0.6 + min(480/360, 1)*0.4 = 0.7
	require.InDelta(t, 0.7, snapshot.EfficiencyScore, 0.001)
	require.True(t, snapshot.GeneratedAt.Equal(now))
}

func TestRealtimeStatus(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	now := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	analytics := NewAnalytics(db, zap.NewNop(),
		WithAnalyticsClock(func() time.Time { return now }))

	// 滞留超过七天的工单
	stuckStart := now.Add(-200 * time.Hour)
	stuck := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseClientApproval
		j.PhaseStartDate = &stuckStart
	})

	// 已过目标日期的工单
	overdueTarget := now.Add(-time.Hour)
	recentStart := now.Add(-5 * time.Hour)
	seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseClientApproval
		j.PhaseStartDate = &recentStart
		j.PhaseTargetDate = &overdueTarget
	})

	// 近二十四小时内的一次流转
	require.NoError(t, db.Create(&PhaseHistory{
		ID:             uuid.NewString(),
		JobOrderID:     stuck.ID,
		FromPhase:      PhaseEstimation,
		ToPhase:        PhaseClientApproval,
		TransitionDate: now.Add(-2 * time.Hour),
		TransitionedBy: "u-pm",
	}).Error)

	status, err := analytics.RealtimeStatus(ctx)
	require.NoError(t, err)
	require.True(t, status.Timestamp.Equal(now))

	require.Len(t, status.StuckJobs, 1)
	require.Equal(t, stuck.ID, status.StuckJobs[0].JobOrderID)
	require.InDelta(t, 200, status.StuckJobs[0].HoursStuck, 0.1)

	require.Len(t, status.RecentTransitions, 1)
	require.Equal(t, stuck.JobNumber, status.RecentTransitions[0].JobNumber)
	require.Equal(t, PhaseClientApproval, status.RecentTransitions[0].ToPhase)

	require.Len(t, status.Alerts, 2)
	require.Equal(t, "warning", status.Alerts[0].Type)
	require.Equal(t, "1 jobs stuck in phases for more than 7 days", status.Alerts[0].Message)
	require.Equal(t, "review_stuck_jobs", status.Alerts[0].Action)
	require.Equal(t, "danger", status.Alerts[1].Type)
	require.Equal(t, "1 jobs are overdue", status.Alerts[1].Message)
	require.Equal(t, "review_overdue_jobs", status.Alerts[1].Action)
}

func TestRealtimeStatusQuietBoard(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	analytics := NewAnalytics(db, zap.NewNop())

	recent := time.Now().UTC().Add(-2 * time.Hour)
	seedJob(t, db, func(j *JobOrder) {
		j.PhaseStartDate = &recent
	})

	status, err := analytics.RealtimeStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, status.StuckJobs)
	require.Empty(t, status.Alerts)
	require.Len(t, status.PhaseDistribution, 1)
	require.Equal(t, PhaseSubmission, status.PhaseDistribution[0].Phase)
	require.EqualValues(t, 1, status.PhaseDistribution[0].Count)
}

func TestJobUpdateSnapshot(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	analytics := NewAnalytics(db, zap.NewNop())
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseExecution
		j.Status = StatusInProgress
	})

	snapshot, err := analytics.JobUpdate(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "job_update", snapshot.Type)
	require.Equal(t, job.ID, snapshot.JobOrderID)
	require.Equal(t, PhaseExecution, snapshot.CurrentPhase)
	require.InDelta(t, 60, snapshot.Progress, 0.001)
	require.Equal(t, StatusInProgress, snapshot.Status)

	_, err = analytics.JobUpdate(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrJobOrderNotFound)
}

func TestSummarySnapshot(t *testing.T) {
	ctx := context.Background()
	db := openWorkflowDB(t)
	analytics := NewAnalytics(db, zap.NewNop())

	seedJob(t, db, nil)
	seedJob(t, db, func(j *JobOrder) { j.Phase = PhaseReview })

	summary, err := analytics.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, "workflow_summary", summary.Type)
	require.EqualValues(t, 1, summary.PhaseCounts[PhaseSubmission])
	require.EqualValues(t, 1, summary.PhaseCounts[PhaseReview])
}

func TestEfficiencyScore(t *testing.T) {
	// 无完成数据时得分为准时率部分
	require.InDelta(t, 0, efficiencyScore(0, 0), 0.001)
	// 全部准时且工期在目标内
	require.InDelta(t, 1.0, efficiencyScore(100, 480), 0.001)
	// 准时率一半、工期是目标的两倍
	require.InDelta(t, 0.5, efficiencyScore(50, 960), 0.001)
	// 工期优于目标时完成效率封顶为 1
	require.InDelta(t, 1.0, efficiencyScore(100, 100), 0.001)
}

func TestInvalidateCacheWithoutCache(t *testing.T) {
	db := openWorkflowDB(t)
	analytics := NewAnalytics(db, zap.NewNop())

	cleared, err := analytics.InvalidateCache(context.Background())
	require.NoError(t, err)
	require.Zero(t, cleared)
}
