package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobflow/internal/worker/tasks"
	"jobflow/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// EscalationChecker 阶段超时升级检查能力，便于注入 mock
type EscalationChecker interface {
	Check(ctx context.Context, jobOrderID string, phase workflow.Phase, armedAt time.Time) (bool, error)
}

type EscalationHandler struct {
	checker EscalationChecker
	logger  *zap.Logger
}

func NewEscalationHandler(checker EscalationChecker, logger *zap.Logger) *EscalationHandler {
	return &EscalationHandler{
		checker: checker,
		logger:  logger,
	}
}

// HandleEscalationCheck 处理一次到期的升级检查。工单已离开
// 原阶段时为空操作。
func (h *EscalationHandler) HandleEscalationCheck(ctx context.Context, t *asynq.Task) error {
	var p tasks.EscalationCheckPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	raised, err := h.checker.Check(ctx, p.JobOrderID, workflow.Phase(p.Phase), p.ArmedAt)
	if err != nil {
		h.logger.Error("升级检查执行失败",
			zap.String("job_order_id", p.JobOrderID),
			zap.String("phase", p.Phase),
			zap.Error(err),
		)
		return err
	}

	if raised {
		h.logger.Info("阶段超时升级已送达",
			zap.String("job_order_id", p.JobOrderID),
			zap.String("phase", p.Phase),
		)
	}
	return nil
}
