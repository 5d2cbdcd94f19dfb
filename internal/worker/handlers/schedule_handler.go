package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"jobflow/internal/worker/tasks"
	"jobflow/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TransitionWaker 计划流转的唤醒与巡检能力，便于注入 mock
type TransitionWaker interface {
	Wake(ctx context.Context, requestID string) (workflow.WakeOutcome, error)
	SweepDue(ctx context.Context) (int, error)
}

type ScheduleHandler struct {
	waker  TransitionWaker
	logger *zap.Logger
}

func NewScheduleHandler(waker TransitionWaker, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		waker:  waker,
		logger: logger,
	}
}

// HandleScheduledTransition 处理一次到期的计划流转唤醒。
// 唤醒幂等，载荷损坏的任务直接丢弃不重试。
func (h *ScheduleHandler) HandleScheduledTransition(ctx context.Context, t *asynq.Task) error {
	var p tasks.ScheduledTransitionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	outcome, err := h.waker.Wake(ctx, p.RequestID)
	if err != nil {
		h.logger.Error("计划流转唤醒失败",
			zap.String("request_id", p.RequestID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("计划流转唤醒完成",
		zap.String("request_id", p.RequestID),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// HandleScheduleSweep 兜底巡检，唤醒所有错过定时器的到期记录
func (h *ScheduleHandler) HandleScheduleSweep(ctx context.Context, _ *asynq.Task) error {
	woken, err := h.waker.SweepDue(ctx)
	if err != nil {
		h.logger.Error("计划流转巡检失败", zap.Error(err))
		return err
	}
	if woken > 0 {
		h.logger.Info("计划流转巡检完成", zap.Int("woken", woken))
	}
	return nil
}
