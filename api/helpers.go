package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// 构建元信息，发布时通过 -ldflags 注入
var (
	Version = "dev"
	Commit  = "none"
)

var processStart = time.Now()

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ReadinessResponse 就绪检查响应，checks 逐项给出依赖状态
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthCheck 健康检查
// @Summary 服务健康检查
// @Description 返回基础健康状态，可供监控探针使用
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func HealthCheck(_ *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: "jobflow",
			Version: Version,
			Uptime:  time.Since(processStart).Round(time.Second).String(),
		})
	}
}

// ReadinessCheck 就绪检查
// @Summary 服务就绪检查
// @Description 逐项探测依赖连通性，全部通过才返回就绪
// @Tags System
// @Produce json
// @Success 200 {object} ReadinessResponse
// @Failure 503 {object} ReadinessResponse
// @Router /ready [get]
func ReadinessCheck(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := map[string]string{}
		ready := true

		checks["database"] = probeDatabase(c.Request.Context(), db)
		if checks["database"] != "ok" {
			ready = false
		}

		status := http.StatusOK
		resp := ReadinessResponse{Status: "ready", Checks: checks}
		if !ready {
			status = http.StatusServiceUnavailable
			resp.Status = "not_ready"
		}
		c.JSON(status, resp)
	}
}

// probeDatabase 带超时探测数据库连通性，返回 "ok" 或失败原因
func probeDatabase(ctx context.Context, db *gorm.DB) string {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Sprintf("connection error: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return fmt.Sprintf("ping failed: %v", err)
	}
	return "ok"
}
