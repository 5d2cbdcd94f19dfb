package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobflow/internal/metrics"
)

// 指标快照缓存键
const (
	metricsCacheKey      = "workflow_metrics_cache"
	distributionCacheKey = "phase_distribution_cache"
	bottleneckCacheKey   = "bottleneck_analysis_cache"
)

// 月度完成指标的目标工期（小时），用于效率得分
const targetCompletionHours = 480

// MetricsSnapshot 聚合的工作流指标快照，带缓存
type MetricsSnapshot struct {
	TotalActiveJobs       int64           `json:"total_active_jobs"`
	PhaseDistribution     map[Phase]int64 `json:"phase_distribution"`
	AverageCompletionTime float64         `json:"average_completion_time"`
	OnTimePercentage      float64         `json:"on_time_percentage"`
	BottleneckPhases      []Phase         `json:"bottleneck_phases"`
	EfficiencyScore       float64         `json:"efficiency_score"`
	GeneratedAt           time.Time       `json:"generated_at"`
}

// PhaseLoad 单个阶段的在途负载
type PhaseLoad struct {
	Phase           Phase   `json:"phase"`
	Count           int64   `json:"count"`
	AvgHoursInPhase float64 `json:"avg_hours_in_phase"`
}

// PhaseBottleneck 平均停留超过阈值的阶段
type PhaseBottleneck struct {
	Phase        Phase   `json:"phase"`
	AverageHours float64 `json:"average_hours"`
	JobCount     int64   `json:"job_count"`
}

// BottleneckReport 瓶颈阶段分析结果
type BottleneckReport struct {
	ThresholdHours float64           `json:"threshold_hours"`
	Bottlenecks    []PhaseBottleneck `json:"bottlenecks"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// RecentTransition 近期流转记录（面板用）
type RecentTransition struct {
	JobOrderID     string    `json:"job_order_id"`
	JobNumber      string    `json:"job_number"`
	CustomerName   string    `json:"customer_name"`
	FromPhase      Phase     `json:"from_phase"`
	ToPhase        Phase     `json:"to_phase"`
	TransitionDate time.Time `json:"transition_date"`
}

// StuckJob 长期停留在同一阶段的工单
type StuckJob struct {
	JobOrderID     string     `json:"job_order_id"`
	JobNumber      string     `json:"job_number"`
	CustomerName   string     `json:"customer_name"`
	Phase          Phase      `json:"phase"`
	PhaseStartDate *time.Time `json:"phase_start_date"`
	HoursStuck     float64    `json:"hours_stuck"`
}

// Alert 面板告警
type Alert struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// RealtimeStatus 实时面板数据，不走缓存
type RealtimeStatus struct {
	Timestamp         time.Time          `json:"timestamp"`
	PhaseDistribution []PhaseLoad        `json:"phase_distribution"`
	RecentTransitions []RecentTransition `json:"recent_transitions"`
	StuckJobs         []StuckJob         `json:"stuck_jobs"`
	EfficiencyScore   float64            `json:"efficiency_score"`
	Alerts            []Alert            `json:"alerts"`
}

// JobSnapshot 单工单的推送快照
type JobSnapshot struct {
	Type         string         `json:"type"`
	JobOrderID   string         `json:"job_order"`
	JobNumber    string         `json:"job_number"`
	CurrentPhase Phase          `json:"current_phase"`
	PhaseStart   *time.Time     `json:"phase_start"`
	PhaseTarget  *time.Time     `json:"phase_target"`
	Status       JobOrderStatus `json:"status"`
	Progress     float64        `json:"progress"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SummarySnapshot 全量阶段分布的推送快照
type SummarySnapshot struct {
	Type        string          `json:"type"`
	PhaseCounts map[Phase]int64 `json:"phase_counts"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Analytics 工作流分析服务。重量级聚合结果写入 Redis，
// 默认五分钟过期；缓存不可用时直接计算，功能不受影响。
type Analytics struct {
	db              *gorm.DB
	cache           redis.UniversalClient
	cacheTTL        time.Duration
	stuckAfter      time.Duration
	bottleneckAfter time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

// AnalyticsOption 分析服务配置项
type AnalyticsOption func(*Analytics)

// WithCache 接入 Redis 缓存
func WithCache(cache redis.UniversalClient) AnalyticsOption {
	return func(a *Analytics) { a.cache = cache }
}

// WithCacheTTL 设置缓存过期时间
func WithCacheTTL(ttl time.Duration) AnalyticsOption {
	return func(a *Analytics) {
		if ttl > 0 {
			a.cacheTTL = ttl
		}
	}
}

// WithThresholds 设置滞留与瓶颈判定阈值
func WithThresholds(stuckAfter, bottleneckAfter time.Duration) AnalyticsOption {
	return func(a *Analytics) {
		if stuckAfter > 0 {
			a.stuckAfter = stuckAfter
		}
		if bottleneckAfter > 0 {
			a.bottleneckAfter = bottleneckAfter
		}
	}
}

// WithAnalyticsClock 替换时钟，测试用
func WithAnalyticsClock(now func() time.Time) AnalyticsOption {
	return func(a *Analytics) { a.now = now }
}

// NewAnalytics 创建分析服务。默认缓存五分钟、
// 滞留阈值七天、瓶颈阈值七十二小时。
func NewAnalytics(db *gorm.DB, logger *zap.Logger, opts ...AnalyticsOption) *Analytics {
	a := &Analytics{
		db:              db,
		cacheTTL:        5 * time.Minute,
		stuckAfter:      168 * time.Hour,
		bottleneckAfter: 72 * time.Hour,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Metrics 返回聚合指标快照。命中缓存时第二个返回值为 true。
func (a *Analytics) Metrics(ctx context.Context) (*MetricsSnapshot, bool, error) {
	var cached MetricsSnapshot
	if a.cacheGet(ctx, metricsCacheKey, &cached) {
		return &cached, true, nil
	}

	now := a.now()

	active, err := a.countActive(ctx)
	if err != nil {
		return nil, false, err
	}
	distribution, _, err := a.PhaseDistribution(ctx)
	if err != nil {
		return nil, false, err
	}
	avgCompletion, onTimePct, err := a.completionStats(ctx, now)
	if err != nil {
		return nil, false, err
	}
	report, _, err := a.Bottlenecks(ctx)
	if err != nil {
		return nil, false, err
	}
	names := make([]Phase, len(report.Bottlenecks))
	for i, b := range report.Bottlenecks {
		names[i] = b.Phase
	}

	snapshot := &MetricsSnapshot{
		TotalActiveJobs:       active,
		PhaseDistribution:     distribution,
		AverageCompletionTime: avgCompletion,
		OnTimePercentage:      onTimePct,
		BottleneckPhases:      names,
		EfficiencyScore:       efficiencyScore(onTimePct, avgCompletion),
		GeneratedAt:           now,
	}
	a.cacheSet(ctx, metricsCacheKey, snapshot)
	return snapshot, false, nil
}

// PhaseDistribution 在途工单的阶段分布
func (a *Analytics) PhaseDistribution(ctx context.Context) (map[Phase]int64, bool, error) {
	var cached map[Phase]int64
	if a.cacheGet(ctx, distributionCacheKey, &cached) {
		return cached, true, nil
	}

	var rows []struct {
		Phase Phase
		Count int64
	}
	err := a.activeScope(ctx).
		Select("phase, count(*) as count").
		Group("phase").
		Scan(&rows).Error
	if err != nil {
		return nil, false, fmt.Errorf("统计阶段分布失败: %w", err)
	}

	distribution := make(map[Phase]int64, len(rows))
	for _, row := range rows {
		distribution[row.Phase] = row.Count
	}
	a.cacheSet(ctx, distributionCacheKey, distribution)
	return distribution, false, nil
}

// Bottlenecks 平均停留时长超过阈值的阶段，按时长降序
func (a *Analytics) Bottlenecks(ctx context.Context) (*BottleneckReport, bool, error) {
	var cached BottleneckReport
	if a.cacheGet(ctx, bottleneckCacheKey, &cached) {
		return &cached, true, nil
	}

	loads, err := a.phaseLoads(ctx)
	if err != nil {
		return nil, false, err
	}

	threshold := a.bottleneckAfter.Hours()
	report := &BottleneckReport{
		ThresholdHours: threshold,
		Bottlenecks:    make([]PhaseBottleneck, 0, len(loads)),
		GeneratedAt:    a.now(),
	}
	for _, load := range loads {
		if load.AvgHoursInPhase > threshold {
			report.Bottlenecks = append(report.Bottlenecks, PhaseBottleneck{
				Phase:        load.Phase,
				AverageHours: load.AvgHoursInPhase,
				JobCount:     load.Count,
			})
		}
	}
	sort.Slice(report.Bottlenecks, func(i, j int) bool {
		return report.Bottlenecks[i].AverageHours > report.Bottlenecks[j].AverageHours
	})

	a.cacheSet(ctx, bottleneckCacheKey, report)
	return report, false, nil
}

// RealtimeStatus 实时面板数据：阶段负载、近期流转、
// 滞留工单与告警。每次现算，不走缓存。
func (a *Analytics) RealtimeStatus(ctx context.Context) (*RealtimeStatus, error) {
	now := a.now()

	loads, err := a.phaseLoads(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := a.recentTransitions(ctx, now.Add(-24*time.Hour), 10)
	if err != nil {
		return nil, err
	}

	stuck, err := a.stuckJobs(ctx, now, 5)
	if err != nil {
		return nil, err
	}

	avgCompletion, onTimePct, err := a.completionStats(ctx, now)
	if err != nil {
		return nil, err
	}

	alerts, err := a.alerts(ctx, now)
	if err != nil {
		return nil, err
	}

	return &RealtimeStatus{
		Timestamp:         now,
		PhaseDistribution: loads,
		RecentTransitions: recent,
		StuckJobs:         stuck,
		EfficiencyScore:   efficiencyScore(onTimePct, avgCompletion),
		Alerts:            alerts,
	}, nil
}

// JobUpdate 单工单的推送快照
func (a *Analytics) JobUpdate(ctx context.Context, jobOrderID string) (*JobSnapshot, error) {
	var job JobOrder
	if err := a.db.WithContext(ctx).First(&job, "id = ?", jobOrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobOrderNotFound, jobOrderID)
		}
		return nil, fmt.Errorf("加载工单失败: %w", err)
	}

	return &JobSnapshot{
		Type:         "job_update",
		JobOrderID:   job.ID,
		JobNumber:    job.JobNumber,
		CurrentPhase: job.Phase,
		PhaseStart:   job.PhaseStartDate,
		PhaseTarget:  job.PhaseTargetDate,
		Status:       job.Status,
		Progress:     ProgressPercent(job.Phase),
		Timestamp:    a.now(),
	}, nil
}

// Summary 全量阶段分布的推送快照
func (a *Analytics) Summary(ctx context.Context) (*SummarySnapshot, error) {
	var rows []struct {
		Phase Phase
		Count int64
	}
	err := a.activeScope(ctx).
		Select("phase, count(*) as count").
		Group("phase").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("统计阶段分布失败: %w", err)
	}

	counts := make(map[Phase]int64, len(rows))
	for _, row := range rows {
		counts[row.Phase] = row.Count
	}
	return &SummarySnapshot{
		Type:        "workflow_summary",
		PhaseCounts: counts,
		Timestamp:   a.now(),
	}, nil
}

// InvalidateCache 清除全部指标缓存，返回清除的键数量
func (a *Analytics) InvalidateCache(ctx context.Context) (int, error) {
	if a.cache == nil {
		return 0, nil
	}
	keys := []string{metricsCacheKey, distributionCacheKey, bottleneckCacheKey}
	if err := a.cache.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("清除缓存失败: %w", err)
	}
	return len(keys), nil
}

// ----------------------------------------------------------------------------
// 内部聚合
// ----------------------------------------------------------------------------

func (a *Analytics) activeScope(ctx context.Context) *gorm.DB {
	return a.db.WithContext(ctx).Model(&JobOrder{}).
		Where("phase NOT IN ?", []Phase{PhaseArchived, PhaseCancelled})
}

func (a *Analytics) countActive(ctx context.Context) (int64, error) {
	var count int64
	if err := a.activeScope(ctx).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计在途工单失败: %w", err)
	}
	return count, nil
}

// phaseLoads 各阶段的在途数量与平均停留小时数，按阶段序号排序
func (a *Analytics) phaseLoads(ctx context.Context) ([]PhaseLoad, error) {
	var jobs []JobOrder
	err := a.activeScope(ctx).
		Select("id, phase, phase_start_date").
		Where("phase_start_date IS NOT NULL").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询在途工单失败: %w", err)
	}

	now := a.now()
	counts := make(map[Phase]int64)
	hours := make(map[Phase]float64)
	for i := range jobs {
		p := jobs[i].Phase
		counts[p]++
		hours[p] += now.Sub(*jobs[i].PhaseStartDate).Hours()
	}

	loads := make([]PhaseLoad, 0, len(counts))
	for p, n := range counts {
		loads = append(loads, PhaseLoad{
			Phase:           p,
			Count:           n,
			AvgHoursInPhase: hours[p] / float64(n),
		})
	}
	sort.Slice(loads, func(i, j int) bool {
		return phaseOrder(loads[i].Phase) < phaseOrder(loads[j].Phase)
	})
	return loads, nil
}

// completionStats 近三十天归档工单的平均完成工期与准时率
func (a *Analytics) completionStats(ctx context.Context, now time.Time) (avgHours, onTimePct float64, err error) {
	cutoff := now.AddDate(0, 0, -30)

	var jobs []JobOrder
	err = a.db.WithContext(ctx).Model(&JobOrder{}).
		Select("id, created_at, updated_at, end_date, phase_target_date").
		Where("phase = ? AND created_at >= ?", PhaseArchived, cutoff).
		Find(&jobs).Error
	if err != nil {
		return 0, 0, fmt.Errorf("查询归档工单失败: %w", err)
	}
	if len(jobs) == 0 {
		return 0, 0, nil
	}

	var totalHours float64
	var onTime int
	for i := range jobs {
		totalHours += jobs[i].UpdatedAt.Sub(jobs[i].CreatedAt).Hours()
		if jobs[i].EndDate == nil || jobs[i].PhaseTargetDate == nil ||
			!jobs[i].EndDate.After(*jobs[i].PhaseTargetDate) {
			onTime++
		}
	}
	avgHours = totalHours / float64(len(jobs))
	onTimePct = float64(onTime) / float64(len(jobs)) * 100
	return avgHours, onTimePct, nil
}

func (a *Analytics) recentTransitions(ctx context.Context, since time.Time, limit int) ([]RecentTransition, error) {
	var rows []RecentTransition
	err := a.db.WithContext(ctx).
		Table("phase_histories AS h").
		Select("h.job_order_id, h.from_phase, h.to_phase, h.transition_date, j.job_number, j.customer_name").
		Joins("JOIN job_orders j ON j.id = h.job_order_id").
		Where("h.transition_date >= ?", since).
		Order("h.transition_date desc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询近期流转失败: %w", err)
	}
	return rows, nil
}

func (a *Analytics) stuckJobs(ctx context.Context, now time.Time, limit int) ([]StuckJob, error) {
	cutoff := now.Add(-a.stuckAfter)

	var jobs []JobOrder
	err := a.activeScope(ctx).
		Select("id, job_number, customer_name, phase, phase_start_date").
		Where("phase_start_date IS NOT NULL AND phase_start_date < ?", cutoff).
		Order("phase_start_date asc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询滞留工单失败: %w", err)
	}

	stuck := make([]StuckJob, 0, len(jobs))
	for i := range jobs {
		stuck = append(stuck, StuckJob{
			JobOrderID:     jobs[i].ID,
			JobNumber:      jobs[i].JobNumber,
			CustomerName:   jobs[i].CustomerName,
			Phase:          jobs[i].Phase,
			PhaseStartDate: jobs[i].PhaseStartDate,
			HoursStuck:     now.Sub(*jobs[i].PhaseStartDate).Hours(),
		})
	}
	return stuck, nil
}

// alerts 面板告警：滞留与逾期
func (a *Analytics) alerts(ctx context.Context, now time.Time) ([]Alert, error) {
	alerts := make([]Alert, 0, 2)

	var stuckCount int64
	err := a.activeScope(ctx).
		Where("phase_start_date IS NOT NULL AND phase_start_date < ?", now.Add(-a.stuckAfter)).
		Count(&stuckCount).Error
	if err != nil {
		return nil, fmt.Errorf("统计滞留工单失败: %w", err)
	}
	if stuckCount > 0 {
		days := int(a.stuckAfter.Hours() / 24)
		alerts = append(alerts, Alert{
			Type:    "warning",
			Message: fmt.Sprintf("%d jobs stuck in phases for more than %d days", stuckCount, days),
			Action:  "review_stuck_jobs",
		})
	}

	var overdueCount int64
	err = a.activeScope(ctx).
		Where("phase_target_date IS NOT NULL AND phase_target_date < ?", now).
		Count(&overdueCount).Error
	if err != nil {
		return nil, fmt.Errorf("统计逾期工单失败: %w", err)
	}
	if overdueCount > 0 {
		alerts = append(alerts, Alert{
			Type:    "danger",
			Message: fmt.Sprintf("%d jobs are overdue", overdueCount),
			Action:  "review_overdue_jobs",
		})
	}

	return alerts, nil
}

// efficiencyScore 准时率与完成工期的加权得分，保留两位小数
func efficiencyScore(onTimePct, avgCompletionHours float64) float64 {
	onTimeRate := onTimePct / 100
	completionEfficiency := 0.0
	if avgCompletionHours > 0 {
		completionEfficiency = math.Min(targetCompletionHours/avgCompletionHours, 1.0)
	}
	return math.Round((onTimeRate*0.6+completionEfficiency*0.4)*100) / 100
}

// ----------------------------------------------------------------------------
// 缓存读写
// ----------------------------------------------------------------------------

func (a *Analytics) cacheGet(ctx context.Context, key string, target any) bool {
	if a.cache == nil {
		return false
	}
	data, err := a.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			a.logger.Warn("读取指标缓存失败", zap.String("key", key), zap.Error(err))
		}
		metrics.CacheMissesTotal.WithLabelValues(key).Inc()
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		a.logger.Warn("解析指标缓存失败", zap.String("key", key), zap.Error(err))
		metrics.CacheMissesTotal.WithLabelValues(key).Inc()
		return false
	}
	metrics.CacheHitsTotal.WithLabelValues(key).Inc()
	return true
}

func (a *Analytics) cacheSet(ctx context.Context, key string, value any) {
	if a.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		a.logger.Warn("序列化指标缓存失败", zap.String("key", key), zap.Error(err))
		return
	}
	if err := a.cache.Set(ctx, key, data, a.cacheTTL).Err(); err != nil {
		a.logger.Warn("写入指标缓存失败", zap.String("key", key), zap.Error(err))
	}
}
