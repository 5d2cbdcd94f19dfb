package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"jobflow/internal/logger"
	middlewarepkg "jobflow/internal/middleware"
)

// RequestLogger 请求日志中间件。服务端错误记 Error，
// 客户端错误记 Warn，其余 Info。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", middlewarepkg.RequestIDFromGin(c)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("HTTP Request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("HTTP Request", fields...)
		default:
			logger.Info("HTTP Request", fields...)
		}
	}
}

// corsPolicy CORS 响应头配置，构建时解析一次
type corsPolicy struct {
	origins      []string
	allowAll     bool
	headerValue  string
	methodsValue string
}

func newCORSPolicy() corsPolicy {
	origins := envList("CORS_ALLOW_ORIGINS")
	headers := envList("CORS_ALLOW_HEADERS")
	if len(headers) == 0 {
		headers = []string{
			"Content-Type", "Content-Length", "Accept-Encoding", "X-CSRF-Token", "Authorization",
			"Accept", "Origin", "Cache-Control", "X-Requested-With",
		}
	}
	methods := envList("CORS_ALLOW_METHODS")
	if len(methods) == 0 {
		methods = []string{"POST", "OPTIONS", "GET", "PUT", "DELETE", "PATCH"}
	}
	return corsPolicy{
		origins:      origins,
		allowAll:     len(origins) == 0,
		headerValue:  strings.Join(headers, ", "),
		methodsValue: strings.Join(methods, ", "),
	}
}

func (p corsPolicy) originAllowed(origin string) bool {
	for _, o := range p.origins {
		if o == origin {
			return true
		}
	}
	return false
}

// CORS 跨域中间件。允许的来源、头与方法通过环境变量覆盖，
// 未配置来源时全部放行（开发缺省）。
func CORS() gin.HandlerFunc {
	policy := newCORSPolicy()

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case policy.allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && policy.originAllowed(origin):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		default:
			// 未匹配则不设置 Allow-Origin，浏览器将拦截
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", policy.headerValue)
		c.Writer.Header().Set("Access-Control-Allow-Methods", policy.methodsValue)
		c.Writer.Header().Set("Access-Control-Max-Age", "600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// envList 读取逗号分隔的环境变量列表
func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var res []string
	for _, p := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(p); v != "" {
			res = append(res, v)
		}
	}
	return res
}
