package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP 层指标，由 PrometheusMiddleware 写入
var (
	// APIRequestsTotal 按方法、路由模板与状态码计数的请求总量
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_api_requests_total",
			Help: "HTTP 请求总量（按方法、路由模板与状态码）",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration 请求处理耗时直方图
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobflow_api_request_duration_seconds",
			Help:    "HTTP 请求处理耗时",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 工作流核心指标，由流转执行器与自动动作写入
var (
	// TransitionsTotal 流转结果计数，status 取 success/rejected/error
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_transitions_total",
			Help: "阶段流转结果计数",
		},
		[]string{"from_phase", "to_phase", "status"},
	)

	// TransitionDuration 单次流转从校验到落库的耗时
	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobflow_transition_duration_seconds",
			Help:    "单次流转执行耗时",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"to_phase"},
	)

	// PhaseDurationDays 工单离开某阶段时在该阶段的停留天数
	PhaseDurationDays = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobflow_phase_duration_days",
			Help:    "工单在单个阶段的停留天数",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 7, 14, 30, 60},
		},
		[]string{"phase"},
	)

	// AutoActionFailuresTotal 流转后自动动作的失败计数，动作失败不回滚流转
	AutoActionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_auto_action_failures_total",
			Help: "流转后自动动作失败计数",
		},
		[]string{"action"},
	)
)

// 计划流转、升级与自动化指标，由调度器、升级监控与规则引擎写入
var (
	// ScheduledPendingGauge 待执行计划流转的当前数量
	ScheduledPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_scheduled_pending_total",
			Help: "待执行计划流转数量",
		},
	)

	// ScheduledOutcomesTotal 计划流转唤醒结果，outcome 取
	// completed/failed/rescheduled/cancelled/noop
	ScheduledOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_scheduled_outcomes_total",
			Help: "计划流转唤醒结果计数",
		},
		[]string{"outcome"},
	)

	// EscalationsTotal 阶段停留超限触发的升级通知计数
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_escalations_total",
			Help: "阶段超时升级计数",
		},
		[]string{"phase"},
	)

	// AutomationRulesFiredTotal 自动化规则评估结果，result 取 executed/skipped/failed
	AutomationRulesFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_automation_rules_fired_total",
			Help: "自动化规则触发计数",
		},
		[]string{"trigger_event", "result"},
	)
)

// 通知与实时推送指标
var (
	// NotificationsTotal 各通道通知投递结果，status 取 sent/skipped/failed
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_notifications_total",
			Help: "通知投递结果计数",
		},
		[]string{"channel", "status"},
	)

	// WebSocketConnectionsGauge 事件流当前在线连接数
	WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_ws_connections",
			Help: "事件流在线连接数",
		},
	)
)

// 分析缓存指标，由看板查询的 Redis 缓存层写入
var (
	// CacheHitsTotal 缓存命中计数
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_cache_hits_total",
			Help: "分析缓存命中计数",
		},
		[]string{"cache_type"},
	)

	// CacheMissesTotal 缓存未命中计数
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_cache_misses_total",
			Help: "分析缓存未命中计数",
		},
		[]string{"cache_type"},
	)
)

// BuildInfo 以常量 1 承载版本标签，便于按版本聚合其它指标
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "jobflow_build_info",
		Help: "构建信息",
	},
	[]string{"version", "go_version", "commit"},
)

// RecordBuildInfo 启动时记录一次构建信息
func RecordBuildInfo(version, goVersion, commit string) {
	BuildInfo.WithLabelValues(version, goVersion, commit).Set(1)
}
