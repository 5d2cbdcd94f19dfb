package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 不计入 API 指标的端点（探针与指标抓取自身）
var unmeteredPaths = map[string]struct{}{
	"/metrics": {},
	"/health":  {},
	"/ready":   {},
}

var apiInflightRequests = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "jobflow_api_inflight_requests",
		Help: "正在处理的 API 请求数",
	},
)

// PrometheusMiddleware 记录每个 HTTP 请求的 QPS、延迟与状态码
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := unmeteredPaths[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		apiInflightRequests.Inc()
		start := time.Now()

		c.Next()

		apiInflightRequests.Dec()
		observeRequest(c, time.Since(start))
	}
}

func observeRequest(c *gin.Context, elapsed time.Duration) {
	// 优先路由模板（/api/job-orders/:id），未匹配路由退回原始路径
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}

	method := c.Request.Method
	APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
