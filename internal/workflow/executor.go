package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"jobflow/internal/infra/queue"
	"jobflow/internal/metrics"
	"jobflow/internal/worker/tasks"
)

// Actor 操作者身份与已解析的角色集合
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// System 后台任务使用的系统操作者，持有 System Manager 角色
var System = Actor{ID: "system", Roles: []string{"System Manager"}}

// TransitionResult 一次成功转换的结果
type TransitionResult struct {
	JobOrderID string    `json:"jobOrderId"`
	JobNumber  string    `json:"jobNumber"`
	FromPhase  Phase     `json:"fromPhase"`
	ToPhase    Phase     `json:"toPhase"`
	Action     string    `json:"action"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// entityLocks 工单粒度的互斥锁，序列化同一工单上的转换，
// 避免两个并发请求基于同一 from 阶段同时通过校验。
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *entityLocks) forKey(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[id] = lock
	return lock
}

// Executor 转换执行器。校验通过后在单个事务里完成阶段变更、
// 状态派生与历史追加；自动动作与升级定时在提交后尽力执行，
// 失败只记录不回滚。
type Executor struct {
	db        *gorm.DB
	registry  *Registry
	validator *Validator
	actions   *ActionRegistry
	history   *HistoryTracker
	queue     queue.Client
	bus       *EventBus
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	locks     *entityLocks
}

// ExecutorOption 执行器配置项
type ExecutorOption func(*Executor)

// WithQueue 接入延迟任务队列，用于升级定时
func WithQueue(client queue.Client) ExecutorOption {
	return func(e *Executor) { e.queue = client }
}

// WithEventBus 接入事件总线
func WithEventBus(bus *EventBus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor 创建转换执行器
func NewExecutor(
	db *gorm.DB,
	registry *Registry,
	validator *Validator,
	actions *ActionRegistry,
	history *HistoryTracker,
	logger *zap.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		db:        db,
		registry:  registry,
		validator: validator,
		actions:   actions,
		history:   history,
		logger:    logger,
		tracer:    otel.Tracer("jobflow/internal/workflow"),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newEntityLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 执行一次阶段转换。action 接受操作名或目标阶段名。
// 拒绝时返回对应类别的工作流错误且不产生任何写入。
func (e *Executor) Execute(ctx context.Context, jobOrderID, action string, actor Actor, comment string) (*TransitionResult, error) {
	lock := e.locks.forKey(jobOrderID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := e.tracer.Start(ctx, "Workflow.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_order_id", jobOrderID),
		attribute.String("action", action),
		attribute.String("actor", actor.ID),
	)

	started := e.now()

	var job JobOrder
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobOrderNotFound, jobOrderID)
		}
		span.RecordError(err)
		return nil, NewSystemError(fmt.Errorf("加载工单失败: %w", err))
	}

	from := job.Phase

	// 执行前重新校验，不信任调用方的预检结果
	transition, outcome := e.validator.ValidateAction(&job, action, actor.Roles)
	if !outcome.Valid {
		span.SetStatus(codes.Error, string(outcome.Kind))
		metrics.TransitionsTotal.WithLabelValues(string(from), string(transition.To), "rejected").Inc()
		return nil, outcome.Err()
	}
	to := transition.To
	span.SetAttributes(
		attribute.String("from_phase", string(from)),
		attribute.String("to_phase", string(to)),
	)

	// 校验通过后再检查目标阶段的前置要求
	if prereq := CheckPrerequisites(&job, to); !prereq.Valid {
		span.SetStatus(codes.Error, string(KindPrerequisite))
		metrics.TransitionsTotal.WithLabelValues(string(from), string(to), "rejected").Inc()
		return nil, &Error{Kind: KindPrerequisite, Message: "Phase prerequisites not met"}
	}

	now := e.now()
	if comment == "" {
		comment = fmt.Sprintf("Transitioned from %s to %s", from, to)
	}

	entry := &PhaseHistory{
		JobOrderID:     job.ID,
		FromPhase:      from,
		ToPhase:        to,
		TransitionDate: now,
		TransitionedBy: actor.ID,
		UserRole:       PrimaryRole(actor.Roles),
		Comment:        comment,
		AdditionalData: datatypes.JSONMap{
			"job_type":      job.JobType,
			"priority":      job.Priority,
			"customer_name": job.CustomerName,
			"project_name":  job.ProjectName,
		},
	}

	toConfig, _ := e.registry.Get(to)

	// 阶段变更、状态派生与历史追加在同一事务内提交
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job.Phase = to
		job.PhaseStartDate = &now
		if toConfig.Escalation != nil {
			target := now.AddDate(0, 0, toConfig.Escalation.TimeoutDays)
			job.PhaseTargetDate = &target
		} else {
			job.PhaseTargetDate = nil
		}
		applyPhaseEffects(&job, to, now)

		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("保存工单失败: %w", err)
		}
		return e.history.Append(tx, entry)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition commit failed")
		metrics.TransitionsTotal.WithLabelValues(string(from), string(to), "error").Inc()
		return nil, &Error{
			Kind:    KindSystem,
			Message: fmt.Sprintf("Failed to transition to %s: %v", to, err),
			cause:   err,
		}
	}

	metrics.TransitionsTotal.WithLabelValues(string(from), string(to), "success").Inc()
	metrics.TransitionDuration.WithLabelValues(string(to)).Observe(e.now().Sub(started).Seconds())
	if entry.DurationSeconds != nil {
		metrics.PhaseDurationDays.WithLabelValues(string(from)).
			Observe(float64(*entry.DurationSeconds) / 86400)
	}

	// 提交后的尽力而为部分：自动动作、升级定时、事件广播
	e.runAutoActions(ctx, &job, from, to, actor)
	e.armEscalation(&job, toConfig)
	if e.bus != nil {
		e.bus.Publish(Event{
			Name:       EventPhaseChanged,
			JobOrderID: job.ID,
			JobNumber:  job.JobNumber,
			FromPhase:  from,
			ToPhase:    to,
			Actor:      actor.ID,
			OccurredAt: now,
		})
	}

	e.logger.Info("阶段转换完成",
		zap.String("job_order", job.JobNumber),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor.ID))

	return &TransitionResult{
		JobOrderID: job.ID,
		JobNumber:  job.JobNumber,
		FromPhase:  from,
		ToPhase:    to,
		Action:     transition.Action,
		Message:    fmt.Sprintf("Successfully transitioned from %s to %s", from, to),
		Timestamp:  now,
	}, nil
}

// runAutoActions 依次执行目标阶段的自动动作。单个动作失败
// 只记录日志与指标，阶段变更已提交不再回滚。
func (e *Executor) runAutoActions(ctx context.Context, job *JobOrder, from, to Phase, actor Actor) {
	cfg, ok := e.registry.Get(to)
	if !ok || len(cfg.AutoActions) == 0 {
		return
	}

	ac := &ActionContext{Job: job, FromPhase: from, ToPhase: to, Actor: actor.ID}
	for _, name := range cfg.AutoActions {
		if err := e.actions.Run(ctx, name, ac); err != nil {
			metrics.AutoActionFailuresTotal.WithLabelValues(name).Inc()
			e.logger.Warn("自动动作执行失败",
				zap.String("action", name),
				zap.String("job_order", job.JobNumber),
				zap.Error(err))
		}
	}

	if ac.Dirty {
		if err := e.db.WithContext(ctx).Save(job).Error; err != nil {
			e.logger.Warn("自动动作后的保存失败",
				zap.String("job_order", job.JobNumber),
				zap.Error(err))
		}
	}
}

// armEscalation 目标阶段声明升级策略时注册延迟检查。
// 检查任务自带阶段比对，重复或失效的定时会落入空操作。
func (e *Executor) armEscalation(job *JobOrder, cfg PhaseConfig) {
	if cfg.Escalation == nil || e.queue == nil {
		return
	}
	eta := e.now().AddDate(0, 0, cfg.Escalation.TimeoutDays)
	payload := tasks.EscalationCheckPayload{
		JobOrderID: job.ID,
		Phase:      string(cfg.Name),
		ArmedAt:    e.now(),
	}
	if err := e.queue.EnqueueEscalationCheck(payload, eta); err != nil {
		e.logger.Error("注册升级定时失败",
			zap.String("job_order", job.JobNumber),
			zap.String("phase", string(cfg.Name)),
			zap.Error(err))
	}
}

// applyPhaseEffects 按目标阶段派生整体状态：
// 进入执行阶段转入 In Progress，归档即完成并补记结束日期，
// 取消置 Cancelled，从取消态重开回到 Open。
func applyPhaseEffects(job *JobOrder, to Phase, now time.Time) {
	switch to {
	case PhaseExecution:
		job.Status = StatusInProgress
	case PhaseArchived:
		job.Status = StatusCompleted
		if job.EndDate == nil {
			job.EndDate = &now
		}
	case PhaseCancelled:
		job.Status = StatusCancelled
	case PhaseSubmission:
		if job.Status == StatusCancelled {
			job.Status = StatusOpen
		}
	}
}
