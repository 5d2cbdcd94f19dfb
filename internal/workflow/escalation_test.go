package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestEscalationMonitor(t *testing.T, db *gorm.DB, notifier Notifier, opts ...EscalationOption) *EscalationMonitor {
	t.Helper()
	return NewEscalationMonitor(db, DefaultRegistry(), notifier, zap.NewNop(), opts...)
}

func TestEscalationFiresWhenStillInPhase(t *testing.T) {
	db := openWorkflowDB(t)
	phaseStart := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseClientApproval
		j.PhaseStartDate = &phaseStart
	})

	now := phaseStart.Add(8 * 24 * time.Hour)
	notifier := &recordingNotifier{}
	bus := NewEventBus(nil)
	events, cancel := bus.Subscribe(job.ID)
	defer cancel()

	monitor := newTestEscalationMonitor(t, db, notifier,
		WithEscalationBus(bus),
		WithEscalationClock(func() time.Time { return now }))

	raised, err := monitor.Check(context.Background(), job.ID, PhaseClientApproval, phaseStart)
	require.NoError(t, err)
	require.True(t, raised)

	require.Len(t, notifier.sent, 1)
	require.Equal(t, []string{"Sales Manager", "Project Manager"}, notifier.sent[0].recipients)
	require.Equal(t, "Escalation for "+job.JobNumber, notifier.sent[0].subject)
	require.Contains(t, notifier.sent[0].message, "has been in phase Client Approval for 8 days (limit 7 days)")

	evt := <-events
	require.Equal(t, EventEscalationRaised, evt.Name)
	require.Equal(t, job.ID, evt.JobOrderID)
	require.Equal(t, PhaseClientApproval, evt.ToPhase)
	require.Equal(t, 8, evt.Payload["daysInPhase"])
	require.Equal(t, 7, evt.Payload["timeoutDays"])
}

func TestEscalationSkipsWhenPhaseChanged(t *testing.T) {
	db := openWorkflowDB(t)
	phaseStart := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhasePlanning
		j.PhaseStartDate = &phaseStart
	})

	notifier := &recordingNotifier{}
	monitor := newTestEscalationMonitor(t, db, notifier)

	// 定时器针对 Client Approval，工单已前进到 Planning
	raised, err := monitor.Check(context.Background(), job.ID, PhaseClientApproval, phaseStart)
	require.NoError(t, err)
	require.False(t, raised)
	require.Empty(t, notifier.sent)
}

func TestEscalationSkipsStaleTimer(t *testing.T) {
	db := openWorkflowDB(t)
	armedAt := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	// 工单离开后又重新进入该阶段，旧定时器不应触发
	reentered := armedAt.Add(3 * 24 * time.Hour)
	job := seedJob(t, db, func(j *JobOrder) {
		j.Phase = PhaseClientApproval
		j.PhaseStartDate = &reentered
	})

	notifier := &recordingNotifier{}
	monitor := newTestEscalationMonitor(t, db, notifier)

	raised, err := monitor.Check(context.Background(), job.ID, PhaseClientApproval, armedAt)
	require.NoError(t, err)
	require.False(t, raised)
	require.Empty(t, notifier.sent)
}

func TestEscalationSkipsMissingJobAndPolicy(t *testing.T) {
	db := openWorkflowDB(t)
	notifier := &recordingNotifier{}
	monitor := newTestEscalationMonitor(t, db, notifier)

	t.Run("工单不存在", func(t *testing.T) {
		raised, err := monitor.Check(context.Background(), "missing-id", PhaseClientApproval, time.Now().UTC())
		require.NoError(t, err)
		require.False(t, raised)
	})

	t.Run("阶段未声明升级策略", func(t *testing.T) {
		phaseStart := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
		job := seedJob(t, db, func(j *JobOrder) {
			j.Phase = PhaseEstimation
			j.PhaseStartDate = &phaseStart
		})
		raised, err := monitor.Check(context.Background(), job.ID, PhaseEstimation, phaseStart)
		require.NoError(t, err)
		require.False(t, raised)
	})

	require.Empty(t, notifier.sent)
}
