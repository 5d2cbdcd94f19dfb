package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobflow/internal/infra/queue"
	"jobflow/internal/metrics"
	"jobflow/internal/workflow/rules"
	"jobflow/internal/worker/tasks"
)

// ScheduleRequest 预约一次未来的阶段转换
type ScheduleRequest struct {
	JobOrderID  string              `json:"jobOrderId"`
	Action      string              `json:"action"`
	ScheduledAt time.Time           `json:"scheduledAt"`
	Comment     string              `json:"comment"`
	Conditions  []ScheduleCondition `json:"conditions"`
	CreatedBy   string              `json:"createdBy"`
}

// WakeOutcome 一次唤醒的处理结果
type WakeOutcome string

const (
	WakeCompleted   WakeOutcome = "completed"
	WakeFailed      WakeOutcome = "failed"
	WakeRescheduled WakeOutcome = "rescheduled"
	WakeNoop        WakeOutcome = "noop"
)

// Scheduler 计划转换调度器。预约记录持久化后按预定时刻经
// 延迟任务唤醒；唤醒幂等，非 Pending 的记录直接跳过，因此
// 丢失入队或进程重启后可由周期巡检重复触发而无副作用。
type Scheduler struct {
	db       *gorm.DB
	executor *Executor
	engine   *rules.Engine
	queue    queue.Client
	backoff  time.Duration
	logger   *zap.Logger
	now      func() time.Time
	locks    *entityLocks
}

// SchedulerOption 调度器配置项
type SchedulerOption func(*Scheduler)

// WithSchedulerQueue 接入延迟任务队列
func WithSchedulerQueue(client queue.Client) SchedulerOption {
	return func(s *Scheduler) { s.queue = client }
}

// WithBackoff 设置条件未满足时的重排间隔
func WithBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithSchedulerClock 替换时钟，测试用
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler 创建计划转换调度器，默认重排间隔一小时
func NewScheduler(db *gorm.DB, executor *Executor, engine *rules.Engine, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		db:       db,
		executor: executor,
		engine:   engine,
		backoff:  time.Hour,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    newEntityLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule 预约一次阶段转换。动作名在唤醒时才按当时的阶段
// 解析与校验，预约时只检查目标工单存在、时间在未来以及
// 条件定义的形态合法。
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduledTransition, error) {
	if req.Action == "" {
		return nil, NewValidationError("Action is required")
	}
	if !req.ScheduledAt.After(s.now()) {
		return nil, NewValidationError("Scheduled date must be in the future")
	}
	if err := validateScheduleConditions(req.Conditions); err != nil {
		return nil, err
	}

	var job JobOrder
	if err := s.db.WithContext(ctx).First(&job, "id = ?", req.JobOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobOrderNotFound, req.JobOrderID)
		}
		return nil, fmt.Errorf("加载工单失败: %w", err)
	}

	rec := &ScheduledTransition{
		ID:          uuid.NewString(),
		JobOrderID:  job.ID,
		Action:      req.Action,
		ScheduledAt: req.ScheduledAt.UTC(),
		Comment:     req.Comment,
		Conditions:  req.Conditions,
		Status:      ScheduleStatusPending,
		CreatedBy:   req.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("保存计划转换失败: %w", err)
	}

	s.armWake(rec)

	s.logger.Info("计划转换已创建",
		zap.String("schedule", rec.ID),
		zap.String("job_order", job.JobNumber),
		zap.String("action", rec.Action),
		zap.Time("scheduled_at", rec.ScheduledAt))

	return rec, nil
}

// Wake 处理一次到期唤醒。Pending 记录评估条件后执行或重排；
// 到期的 Rescheduled 记录视同重新进入 Pending；其余状态为
// 幂等空操作。执行失败是终态，不再自动重试。
func (s *Scheduler) Wake(ctx context.Context, requestID string) (WakeOutcome, error) {
	lock := s.locks.forKey(requestID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()

	var rec ScheduledTransition
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return WakeNoop, fmt.Errorf("%w: %s", ErrScheduleNotFound, requestID)
		}
		return WakeNoop, fmt.Errorf("加载计划转换失败: %w", err)
	}

	switch rec.Status {
	case ScheduleStatusPending:
	case ScheduleStatusRescheduled:
		if rec.ScheduledAt.After(now) {
			return WakeNoop, nil
		}
		rec.Status = ScheduleStatusPending
	default:
		return WakeNoop, nil
	}

	var job JobOrder
	if err := s.db.WithContext(ctx).First(&job, "id = ?", rec.JobOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 工单已被删除，计划进入终态
			rec.Status = ScheduleStatusFailed
			rec.ExecutionResult = fmt.Sprintf("Job order %s not found", rec.JobOrderID)
			if saveErr := s.db.WithContext(ctx).Save(&rec).Error; saveErr != nil {
				return WakeNoop, fmt.Errorf("保存计划转换失败: %w", saveErr)
			}
			metrics.ScheduledOutcomesTotal.WithLabelValues(string(WakeFailed)).Inc()
			return WakeFailed, nil
		}
		return WakeNoop, fmt.Errorf("加载工单失败: %w", err)
	}

	if len(rec.Conditions) > 0 && !s.conditionsMet(&job, rec.Conditions, now) {
		rec.Status = ScheduleStatusRescheduled
		rec.ScheduledAt = now.Add(s.backoff)
		rec.Attempts++
		if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
			return WakeNoop, fmt.Errorf("保存重排状态失败: %w", err)
		}
		s.armWake(&rec)
		metrics.ScheduledOutcomesTotal.WithLabelValues(string(WakeRescheduled)).Inc()
		s.logger.Info("计划转换条件未满足，已重排",
			zap.String("schedule", rec.ID),
			zap.String("job_order", job.JobNumber),
			zap.Int("attempts", rec.Attempts),
			zap.Time("next", rec.ScheduledAt))
		return WakeRescheduled, nil
	}

	comment := rec.Comment
	if comment == "" {
		comment = "Automated transition"
	}
	result, execErr := s.executor.Execute(ctx, rec.JobOrderID, rec.Action, System, "SCHEDULED: "+comment)

	outcome := WakeCompleted
	if execErr != nil {
		rec.Status = ScheduleStatusFailed
		if we, ok := AsError(execErr); ok {
			rec.ExecutionResult = we.Message
		} else {
			rec.ExecutionResult = execErr.Error()
		}
		outcome = WakeFailed
		s.logger.Warn("计划转换执行失败",
			zap.String("schedule", rec.ID),
			zap.String("job_order", job.JobNumber),
			zap.String("action", rec.Action),
			zap.Error(execErr))
	} else {
		executedAt := s.now()
		rec.Status = ScheduleStatusCompleted
		rec.ExecutedAt = &executedAt
		rec.ExecutionResult = "Success"
		s.logger.Info("计划转换执行完成",
			zap.String("schedule", rec.ID),
			zap.String("job_order", job.JobNumber),
			zap.String("from", string(result.FromPhase)),
			zap.String("to", string(result.ToPhase)))
	}

	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return WakeNoop, fmt.Errorf("保存计划转换失败: %w", err)
	}
	metrics.ScheduledOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

// Cancel 取消计划转换。仅创建者或 System Manager 可取消，
// 且只有 Pending 与 Rescheduled 状态允许取消；定时器之后
// 照常触发并落入幂等空操作。
func (s *Scheduler) Cancel(ctx context.Context, requestID string, actor Actor, reason string) (*ScheduledTransition, error) {
	lock := s.locks.forKey(requestID)
	lock.Lock()
	defer lock.Unlock()

	var rec ScheduledTransition
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, requestID)
		}
		return nil, fmt.Errorf("加载计划转换失败: %w", err)
	}

	if rec.CreatedBy != actor.ID && !anyRole(actor.Roles, []string{"System Manager"}) {
		return nil, NewPermissionError("Only the creator or System Manager can cancel scheduled transitions")
	}
	if !rec.Cancellable() {
		return nil, fmt.Errorf("%w: 当前状态 %s", ErrScheduleNotCancellable, rec.Status)
	}

	now := s.now()
	rec.Status = ScheduleStatusCancelled
	rec.CancelledBy = actor.ID
	rec.CancellationReason = reason
	rec.CancelledAt = &now
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return nil, fmt.Errorf("保存计划转换失败: %w", err)
	}

	metrics.ScheduledOutcomesTotal.WithLabelValues("cancelled").Inc()
	s.logger.Info("计划转换已取消",
		zap.String("schedule", rec.ID),
		zap.String("cancelled_by", actor.ID))
	return &rec, nil
}

// List 查询计划转换，按预定时间升序。空过滤条件表示不限
func (s *Scheduler) List(ctx context.Context, jobOrderID string, status ScheduleStatus) ([]ScheduledTransition, error) {
	query := s.db.WithContext(ctx).Model(&ScheduledTransition{})
	if jobOrderID != "" {
		query = query.Where("job_order_id = ?", jobOrderID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var items []ScheduledTransition
	if err := query.Order("scheduled_at asc").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("查询计划转换失败: %w", err)
	}
	return items, nil
}

// SweepDue 兜底巡检：唤醒所有到期仍未处理的记录，并刷新
// 待执行数量指标。正常路径依赖延迟任务在预定时刻触发，
// 入队丢失或进程重启后由巡检接管。
func (s *Scheduler) SweepDue(ctx context.Context) (int, error) {
	now := s.now()
	active := []ScheduleStatus{ScheduleStatusPending, ScheduleStatusRescheduled}

	var due []ScheduledTransition
	err := s.db.WithContext(ctx).
		Where("status IN ? AND scheduled_at <= ?", active, now).
		Order("scheduled_at asc").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("查询到期计划失败: %w", err)
	}

	processed := 0
	for i := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := s.Wake(ctx, due[i].ID); err != nil {
			s.logger.Warn("巡检唤醒失败",
				zap.String("schedule", due[i].ID),
				zap.Error(err))
			continue
		}
		processed++
	}

	var pending int64
	if err := s.db.WithContext(ctx).Model(&ScheduledTransition{}).
		Where("status IN ?", active).
		Count(&pending).Error; err == nil {
		metrics.ScheduledPendingGauge.Set(float64(pending))
	}

	return processed, nil
}

// armWake 注册预定时刻的唤醒任务。入队失败只记录日志，
// 到期记录最终由巡检唤醒。
func (s *Scheduler) armWake(rec *ScheduledTransition) {
	if s.queue == nil {
		return
	}
	payload := tasks.ScheduledTransitionPayload{RequestID: rec.ID}
	if err := s.queue.EnqueueScheduledTransition(payload, rec.ScheduledAt); err != nil {
		s.logger.Error("计划唤醒入队失败，等待巡检接管",
			zap.String("schedule", rec.ID),
			zap.Error(err))
	}
}

// conditionsMet 评估执行前置条件，全部满足才放行
func (s *Scheduler) conditionsMet(job *JobOrder, conditions []ScheduleCondition, now time.Time) bool {
	for _, c := range conditions {
		if !s.conditionMet(job, c, now) {
			return false
		}
	}
	return true
}

func (s *Scheduler) conditionMet(job *JobOrder, c ScheduleCondition, now time.Time) bool {
	switch c.Type {
	case ConditionFieldValue:
		op := rules.Operator(c.Operator)
		if op == "" {
			op = rules.OpEqual
		}
		met, err := s.engine.EvaluateCondition(
			rules.Condition{Field: c.Field, Operator: op, Value: c.Value},
			job.FieldValues(),
		)
		if err != nil {
			s.logger.Warn("计划条件评估出错，按未满足处理",
				zap.String("field", c.Field),
				zap.Error(err))
			return false
		}
		return met
	case ConditionFieldExists:
		return job.FieldPresent(c.Field)
	case ConditionTimeElapsed:
		ref := c.ReferenceField
		if ref == "" {
			ref = "phase_start_date"
		}
		value, ok := job.Field(ref)
		if !ok {
			return true
		}
		t := timeFieldValue(value)
		if t == nil {
			// 参考时间缺失时该条件不构成约束
			return true
		}
		return now.Sub(*t).Hours() >= c.Hours
	default:
		return false
	}
}

// validateScheduleConditions 校验条件定义的形态。
// 未知条件类型与操作符在预约时拒绝，避免唤醒时静默空转。
func validateScheduleConditions(conditions []ScheduleCondition) error {
	for i, c := range conditions {
		switch c.Type {
		case ConditionFieldValue:
			if c.Field == "" {
				return NewValidationError("Condition %d: field is required for field_value", i+1)
			}
			if c.Operator != "" && !rules.ValidOperator(rules.Operator(c.Operator)) {
				return NewValidationError("Condition %d: unsupported operator %q", i+1, c.Operator)
			}
		case ConditionFieldExists:
			if c.Field == "" {
				return NewValidationError("Condition %d: field is required for field_exists", i+1)
			}
		case ConditionTimeElapsed:
			if c.Hours < 0 {
				return NewValidationError("Condition %d: hours must not be negative", i+1)
			}
		default:
			return NewValidationError("Condition %d: unknown condition type %q", i+1, c.Type)
		}
	}
	return nil
}

func timeFieldValue(value any) *time.Time {
	switch v := value.(type) {
	case *time.Time:
		return v
	case time.Time:
		return &v
	default:
		return nil
	}
}
