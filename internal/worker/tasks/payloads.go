package tasks

import "time"

// Task Types
const (
	TypeScheduledTransition = "workflow:scheduled_transition"
	TypeEscalationCheck     = "workflow:escalation_check"
	TypeAutomationScan      = "workflow:automation_scan"
	TypeScheduleSweep       = "workflow:schedule_sweep"
)

// ScheduledTransitionPayload 计划流转唤醒任务载荷
type ScheduledTransitionPayload struct {
	RequestID string `json:"request_id"`
}

// EscalationCheckPayload 阶段超时升级检查任务载荷
// ArmedAt 记录定时器设置时刻，唤醒时用于核对工单是否仍停留在原阶段
type EscalationCheckPayload struct {
	JobOrderID string    `json:"job_order_id"`
	Phase      string    `json:"phase"`
	ArmedAt    time.Time `json:"armed_at"`
}

// AutomationScanPayload 自动化规则周期扫描任务载荷
type AutomationScanPayload struct {
	TriggerEvent string `json:"trigger_event"`
}

// ScheduleSweepPayload 计划流转兜底巡检任务载荷
type ScheduleSweepPayload struct{}
