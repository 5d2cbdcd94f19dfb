package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Notifier 通知发送的窄接口。收件人可以是角色名或用户标识，
// 由通知层解析。发送失败由调用方记录，不向上传播。
type Notifier interface {
	Notify(ctx context.Context, recipients []string, subject, body string) error
}

// NopNotifier 丢弃所有通知，用于测试与未接入通知层的场景
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, []string, string, string) error { return nil }

// ActionContext 自动动作的执行上下文。动作修改了 Job 字段时
// 置位 Dirty，执行器在动作循环结束后尽力保存。
type ActionContext struct {
	Job       *JobOrder
	FromPhase Phase
	ToPhase   Phase
	Actor     string
	Dirty     bool
}

// ActionFunc 自动动作处理器。返回错误只记录日志与指标，
// 不回滚已提交的阶段变更。
type ActionFunc func(ctx context.Context, ac *ActionContext) error

// ActionRegistry 自动动作注册表
type ActionRegistry struct {
	handlers map[string]ActionFunc
}

// NewActionRegistry 创建空注册表
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionFunc)}
}

// Register 注册处理器，重名覆盖
func (r *ActionRegistry) Register(name string, fn ActionFunc) {
	r.handlers[name] = fn
}

// Has 是否已注册
func (r *ActionRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Run 执行命名动作，处理器 panic 转为错误返回
func (r *ActionRegistry) Run(ctx context.Context, name string, ac *ActionContext) (err error) {
	fn, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("自动动作 %s 未注册", name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("自动动作 %s 执行异常: %v", name, rec)
		}
	}()
	return fn(ctx, ac)
}

// DefaultActionRegistry 注册全部内置自动动作。
// 通知类动作经由 Notifier 发出；估算类动作重算汇总字段；
// 其余动作目前仅记录日志，保留名字等待接入外部系统。
func DefaultActionRegistry(notifier Notifier, logger *zap.Logger) *ActionRegistry {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewActionRegistry()

	// 历史记录由执行器在事务内单独追加，此处保留名字占位
	r.Register("create_phase_history", func(context.Context, *ActionContext) error { return nil })

	recalc := func(_ context.Context, ac *ActionContext) error {
		ac.Job.RecalculateTotals()
		ac.Dirty = true
		return nil
	}
	r.Register("calculate_estimates", recalc)
	r.Register("update_labor_hours", recalc)

	notify := func(recipients []string, subject string) ActionFunc {
		return func(ctx context.Context, ac *ActionContext) error {
			body := fmt.Sprintf("Job Order %s entered phase %s", ac.Job.JobNumber, ac.ToPhase)
			return notifier.Notify(ctx, recipients, fmt.Sprintf(subject, ac.Job.JobNumber), body)
		}
	}
	r.Register("notify_estimator", notify([]string{"Estimator"}, "Estimation requested for %s"))
	r.Register("notify_client", notify([]string{"Client"}, "Estimates ready for %s"))
	r.Register("notify_planning_team", notify([]string{"Project Manager", "Resource Coordinator"}, "Planning required for %s"))
	r.Register("notify_execution_team", notify([]string{"Site Supervisor", "Technician"}, "Execution starting for %s"))
	r.Register("notify_review_team", notify([]string{"Quality Inspector"}, "Review requested for %s"))
	r.Register("notify_billing", notify([]string{"Billing Clerk", "Accountant"}, "Billing ready for %s"))
	r.Register("notify_accounts", notify([]string{"Accountant"}, "Invoice issued for %s"))
	r.Register("notify_completion", notify([]string{"Project Manager"}, "Job %s completed"))

	r.Register("notify_team", func(ctx context.Context, ac *ActionContext) error {
		if len(ac.Job.TeamMembers) == 0 {
			return nil
		}
		return notifier.Notify(ctx, ac.Job.TeamMembers,
			fmt.Sprintf("Assignment for %s", ac.Job.JobNumber),
			fmt.Sprintf("Job Order %s is now in phase %s", ac.Job.JobNumber, ac.ToPhase))
	})

	r.Register("notify_cancellation", func(ctx context.Context, ac *ActionContext) error {
		recipients := []string{"Project Manager"}
		if ac.Job.CreatedBy != "" {
			recipients = append(recipients, ac.Job.CreatedBy)
		}
		return notifier.Notify(ctx, recipients,
			fmt.Sprintf("Job %s cancelled", ac.Job.JobNumber),
			fmt.Sprintf("Job Order %s was cancelled: %s", ac.Job.JobNumber, ac.Job.CancellationReason))
	})

	logOnly := func(name string) ActionFunc {
		return func(_ context.Context, ac *ActionContext) error {
			logger.Debug("自动动作占位执行",
				zap.String("action", name),
				zap.String("job_order", ac.Job.JobNumber),
				zap.String("phase", string(ac.ToPhase)))
			return nil
		}
	}
	for _, name := range []string{
		"allocate_resources", "order_materials", "prepare_equipment",
		"track_progress", "conduct_quality_check", "client_walkthrough",
		"generate_invoice", "send_to_client", "archive_documents",
		"generate_final_report", "final_archival", "release_resources",
	} {
		r.Register(name, logOnly(name))
	}

	return r
}
