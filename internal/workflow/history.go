package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// workflowRolePriority 历史快照的主角色取值顺序
var workflowRolePriority = []string{
	"Job Coordinator", "Estimator", "Client", "Sales Manager",
	"Project Manager", "Resource Coordinator", "Site Supervisor",
	"Technician", "Quality Inspector", "Billing Clerk",
	"Accountant", "Document Controller", "Material Coordinator",
	"Operations Manager",
}

// PrimaryRole 从角色集合中选出记入历史的主角色，默认 "User"
func PrimaryRole(roles []string) string {
	for _, candidate := range workflowRolePriority {
		for _, role := range roles {
			if role == candidate {
				return candidate
			}
		}
	}
	return "User"
}

// HistoryTracker 阶段历史记录器。历史只追加不修改，
// 时间戳按写入顺序单调不减，读取方无需再排序。
type HistoryTracker struct {
	db *gorm.DB
}

// NewHistoryTracker 创建历史记录器
func NewHistoryTracker(db *gorm.DB) *HistoryTracker {
	return &HistoryTracker{db: db}
}

// Append 追加一条历史记录并计算上一阶段停留时长：
// 取同一工单中 to_phase 等于本条 from_phase 的最近一条记录，
// 时长为两条记录的时间差；找不到前序记录（首次流转）时留空。
// 在执行器的事务内调用，tx 为事务句柄。
func (t *HistoryTracker) Append(tx *gorm.DB, entry *PhaseHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.TransitionDate.IsZero() {
		entry.TransitionDate = time.Now().UTC()
	}

	if entry.FromPhase != "" {
		var prev PhaseHistory
		err := tx.Where("job_order_id = ? AND to_phase = ?", entry.JobOrderID, entry.FromPhase).
			Order("transition_date DESC").Order("created_at DESC").
			First(&prev).Error
		switch {
		case err == nil:
			seconds := int64(entry.TransitionDate.Sub(prev.TransitionDate).Seconds())
			entry.DurationSeconds = &seconds
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 首次流转，无前序停留时长
		default:
			return fmt.Errorf("查询前序历史失败: %w", err)
		}
	}

	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("写入阶段历史失败: %w", err)
	}
	return nil
}

// List 按时间升序返回工单的全部历史
func (t *HistoryTracker) List(jobOrderID string) ([]PhaseHistory, error) {
	var history []PhaseHistory
	err := t.db.Where("job_order_id = ?", jobOrderID).
		Order("transition_date ASC").Order("created_at ASC").
		Find(&history).Error
	if err != nil {
		return nil, fmt.Errorf("查询阶段历史失败: %w", err)
	}
	return history, nil
}

// JobWorkflowSummary 单个工单的流转汇总
type JobWorkflowSummary struct {
	JobOrderID                string            `json:"jobOrderId"`
	TotalTransitions          int               `json:"totalTransitions"`
	CurrentPhase              Phase             `json:"currentPhase"`
	TotalDurationHours        float64           `json:"totalDurationHours"`
	AveragePhaseDurationHours float64           `json:"averagePhaseDurationHours"`
	PhaseDurationsHours       map[Phase]float64 `json:"phaseDurationsHours"`
	ForwardCount              int               `json:"forwardCount"`
	BackwardCount             int               `json:"backwardCount"`
	CancellationCount         int               `json:"cancellationCount"`
	Transitions               []PhaseHistory    `json:"transitions"`
}

// JobSummary 汇总单个工单：首末记录时间差为总时长，
// 各条记录的停留时长按来源阶段累加成分阶段时长表。
func (t *HistoryTracker) JobSummary(jobOrderID string) (*JobWorkflowSummary, error) {
	history, err := t.List(jobOrderID)
	if err != nil {
		return nil, err
	}

	summary := &JobWorkflowSummary{
		JobOrderID:          jobOrderID,
		CurrentPhase:        PhaseSubmission,
		PhaseDurationsHours: make(map[Phase]float64),
		Transitions:         history,
	}
	if len(history) == 0 {
		return summary, nil
	}

	summary.TotalTransitions = len(history)
	summary.CurrentPhase = history[len(history)-1].ToPhase
	summary.TotalDurationHours = history[len(history)-1].TransitionDate.
		Sub(history[0].TransitionDate).Hours()

	var durations []float64
	for i := range history {
		entry := &history[i]
		switch entry.TransitionType() {
		case "Forward":
			summary.ForwardCount++
		case "Backward", "Reactivation":
			summary.BackwardCount++
		case "Cancellation":
			summary.CancellationCount++
		}
		if entry.DurationSeconds != nil && entry.FromPhase != "" {
			hours := float64(*entry.DurationSeconds) / 3600
			summary.PhaseDurationsHours[entry.FromPhase] += hours
			durations = append(durations, hours)
		}
	}
	if len(durations) > 0 {
		var total float64
		for _, h := range durations {
			total += h
		}
		summary.AveragePhaseDurationHours = total / float64(len(durations))
	}

	return summary, nil
}

// PhaseDuration 阶段与平均停留时长
type PhaseDuration struct {
	Phase        Phase   `json:"phase"`
	AverageHours float64 `json:"averageHours"`
}

// WorkflowMetrics 跨工单的聚合指标
type WorkflowMetrics struct {
	TotalJobsTracked           int               `json:"totalJobsTracked"`
	CompletedJobs              int               `json:"completedJobs"`
	CompletionRate             float64           `json:"completionRate"`
	AverageCompletionTimeHours float64           `json:"averageCompletionTimeHours"`
	PhaseAverageDurations      map[Phase]float64 `json:"phaseAverageDurations"`
	BottleneckPhases           []PhaseDuration   `json:"bottleneckPhases"`
}

// Metrics 跨工单聚合：完成率、平均完成时长、按平均停留时长
// 排序的瓶颈阶段（前五）。limit 限制参与统计的最新历史条数，
// 非正值取 1000。
func (t *HistoryTracker) Metrics(limit int) (*WorkflowMetrics, error) {
	if limit <= 0 {
		limit = 1000
	}

	var recent []PhaseHistory
	err := t.db.Order("transition_date DESC").Order("created_at DESC").
		Limit(limit).Find(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("查询历史记录失败: %w", err)
	}

	metrics := &WorkflowMetrics{
		PhaseAverageDurations: make(map[Phase]float64),
		BottleneckPhases:      []PhaseDuration{},
	}
	if len(recent) == 0 {
		return metrics, nil
	}

	byJob := make(map[string][]PhaseHistory)
	for _, entry := range recent {
		byJob[entry.JobOrderID] = append(byJob[entry.JobOrderID], entry)
	}
	metrics.TotalJobsTracked = len(byJob)

	phaseDurations := make(map[Phase][]float64)
	var totalCompletionHours float64

	for _, transitions := range byJob {
		sort.Slice(transitions, func(i, j int) bool {
			return transitions[i].TransitionDate.Before(transitions[j].TransitionDate)
		})

		last := transitions[len(transitions)-1]
		if last.ToPhase == PhaseArchived {
			metrics.CompletedJobs++
			totalCompletionHours += last.TransitionDate.
				Sub(transitions[0].TransitionDate).Hours()
		}

		for _, entry := range transitions {
			if entry.DurationSeconds != nil && entry.FromPhase != "" {
				phaseDurations[entry.FromPhase] = append(
					phaseDurations[entry.FromPhase],
					float64(*entry.DurationSeconds)/3600)
			}
		}
	}

	metrics.CompletionRate = float64(metrics.CompletedJobs) / float64(metrics.TotalJobsTracked) * 100
	if metrics.CompletedJobs > 0 {
		metrics.AverageCompletionTimeHours = totalCompletionHours / float64(metrics.CompletedJobs)
	}

	for phase, durations := range phaseDurations {
		var total float64
		for _, h := range durations {
			total += h
		}
		metrics.PhaseAverageDurations[phase] = total / float64(len(durations))
	}

	for phase, avg := range metrics.PhaseAverageDurations {
		metrics.BottleneckPhases = append(metrics.BottleneckPhases, PhaseDuration{Phase: phase, AverageHours: avg})
	}
	sort.Slice(metrics.BottleneckPhases, func(i, j int) bool {
		return metrics.BottleneckPhases[i].AverageHours > metrics.BottleneckPhases[j].AverageHours
	})
	if len(metrics.BottleneckPhases) > 5 {
		metrics.BottleneckPhases = metrics.BottleneckPhases[:5]
	}

	return metrics, nil
}

// DurationDisplay 以 HH:MM:SS 展示上一阶段停留时长
func (h *PhaseHistory) DurationDisplay() string {
	if h.DurationSeconds == nil {
		return ""
	}
	seconds := *h.DurationSeconds
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
