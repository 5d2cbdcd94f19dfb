package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"jobflow/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AutomationScanner 自动化规则的周期扫描能力，便于注入 mock
type AutomationScanner interface {
	Scan(ctx context.Context, triggerEvent string) (int, error)
}

type AutomationHandler struct {
	scanner AutomationScanner
	logger  *zap.Logger
}

func NewAutomationHandler(scanner AutomationScanner, logger *zap.Logger) *AutomationHandler {
	return &AutomationHandler{
		scanner: scanner,
		logger:  logger,
	}
}

// HandleAutomationScan 对所有在途工单执行一轮规则评估，
// 让 days_in_phase 一类基于时间的规则定期生效
func (h *AutomationHandler) HandleAutomationScan(ctx context.Context, t *asynq.Task) error {
	var p tasks.AutomationScanPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	evaluated, err := h.scanner.Scan(ctx, p.TriggerEvent)
	if err != nil {
		h.logger.Error("自动化周期扫描失败",
			zap.String("trigger_event", p.TriggerEvent),
			zap.Error(err),
		)
		return err
	}

	h.logger.Debug("自动化周期扫描完成",
		zap.String("trigger_event", p.TriggerEvent),
		zap.Int("evaluated", evaluated),
	)
	return nil
}
