package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobflow/internal/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EscalationMonitor 处理阶段停留超时的升级检查。执行器在进入
// 声明了升级策略的阶段时注册延迟检查，到期唤醒后由监视器核对
// 工单是否仍停留在原阶段；升级本身是尽力而为的通知，不改变
// 工单状态。
type EscalationMonitor struct {
	db       *gorm.DB
	registry *Registry
	notifier Notifier
	bus      *EventBus
	logger   *zap.Logger
	now      func() time.Time
}

// EscalationOption 配置升级监视器
type EscalationOption func(*EscalationMonitor)

// WithEscalationBus 接入事件总线
func WithEscalationBus(bus *EventBus) EscalationOption {
	return func(m *EscalationMonitor) { m.bus = bus }
}

// WithEscalationClock 替换时钟，测试用
func WithEscalationClock(now func() time.Time) EscalationOption {
	return func(m *EscalationMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewEscalationMonitor 创建升级监视器
func NewEscalationMonitor(db *gorm.DB, registry *Registry, notifier Notifier, logger *zap.Logger, opts ...EscalationOption) *EscalationMonitor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &EscalationMonitor{
		db:       db,
		registry: registry,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Check 处理一次到期的升级检查。工单已离开原阶段、已被删除或
// 定时器设置后阶段被重新进入时为幂等空操作。返回值表示本次
// 是否触发了升级；通知失败只记录日志。
func (m *EscalationMonitor) Check(ctx context.Context, jobOrderID string, phase Phase, armedAt time.Time) (bool, error) {
	var job JobOrder
	if err := m.db.WithContext(ctx).First(&job, "id = ?", jobOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m.logger.Debug("升级检查目标工单不存在", zap.String("jobOrderId", jobOrderID))
			return false, nil
		}
		return false, fmt.Errorf("加载工单失败: %w", err)
	}

	cfg, ok := m.registry.Get(phase)
	if !ok || cfg.Escalation == nil {
		return false, nil
	}

	// 阶段已变化，或定时器设置后阶段被重新进入，视为过期定时器
	if job.Phase != phase {
		return false, nil
	}
	if job.PhaseStartDate == nil || job.PhaseStartDate.After(armedAt) {
		return false, nil
	}

	now := m.now()
	daysInPhase := int(now.Sub(*job.PhaseStartDate).Hours() / 24)

	metrics.EscalationsTotal.WithLabelValues(string(phase)).Inc()

	subject := fmt.Sprintf("Escalation for %s", job.JobNumber)
	body := fmt.Sprintf("Job Order %s has been in phase %s for %d days (limit %d days)",
		job.JobNumber, phase, daysInPhase, cfg.Escalation.TimeoutDays)
	if err := m.notifier.Notify(ctx, cfg.Escalation.EscalateTo, subject, body); err != nil {
		m.logger.Warn("升级通知发送失败",
			zap.String("jobOrderId", job.ID),
			zap.String("phase", string(phase)),
			zap.Error(err))
	}

	if m.bus != nil {
		m.bus.Publish(Event{
			Name:       EventEscalationRaised,
			JobOrderID: job.ID,
			JobNumber:  job.JobNumber,
			ToPhase:    phase,
			Actor:      "System",
			Payload: map[string]any{
				"daysInPhase": daysInPhase,
				"timeoutDays": cfg.Escalation.TimeoutDays,
				"escalateTo":  cfg.Escalation.EscalateTo,
			},
			OccurredAt: now,
		})
	}

	m.logger.Info("阶段超时升级已触发",
		zap.String("jobOrderId", job.ID),
		zap.String("jobNumber", job.JobNumber),
		zap.String("phase", string(phase)),
		zap.Int("daysInPhase", daysInPhase))
	return true, nil
}
