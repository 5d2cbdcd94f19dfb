package metrics

import (
	"database/sql"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemCollector 周期采集 Go 运行时与数据库连接池指标
type SystemCollector struct {
	db       *sql.DB
	interval time.Duration
	stop     chan struct{}
}

// NewSystemCollector 创建采集器并启动后台循环，采集间隔 15s
func NewSystemCollector(db *sql.DB) *SystemCollector {
	c := &SystemCollector{
		db:       db,
		interval: 15 * time.Second,
		stop:     make(chan struct{}),
	}
	go c.loop()
	return c
}

// Stop 停止后台采集
func (c *SystemCollector) Stop() {
	close(c.stop)
}

func (c *SystemCollector) loop() {
	// 启动先采一轮
	c.collectOnce()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.collectOnce()
		case <-c.stop:
			return
		}
	}
}

func (c *SystemCollector) collectOnce() {
	if c.db != nil {
		stats := c.db.Stats()
		DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
		DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
		DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
		dbPoolWaitCount.Set(float64(stats.WaitCount))
		dbPoolWaitSeconds.Set(stats.WaitDuration.Seconds())
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goMemoryUsage.Set(float64(m.Alloc))
	goMemorySys.Set(float64(m.Sys))
	goGoroutines.Set(float64(runtime.NumGoroutine()))
	goGCCount.Set(float64(m.NumGC))
}

var (
	// DBConnections 数据库连接池状态
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobflow_db_connections",
			Help: "数据库连接池状态",
		},
		[]string{"state"},
	)

	dbPoolWaitCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_db_pool_wait_total",
			Help: "等待连接的累计次数",
		},
	)

	dbPoolWaitSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_db_pool_wait_seconds_total",
			Help: "等待连接的累计时长",
		},
	)

	goMemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_go_memory_usage_bytes",
			Help: "当前 Go 内存使用量",
		},
	)

	goMemorySys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_go_memory_sys_bytes",
			Help: "Go 从系统获取的内存",
		},
	)

	goGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_go_goroutines",
			Help: "当前 Goroutine 数量",
		},
	)

	goGCCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobflow_go_gc_count",
			Help: "GC 执行总次数",
		},
	)
)
