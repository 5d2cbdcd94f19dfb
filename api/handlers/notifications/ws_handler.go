package notifications

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"jobflow/internal/notification"
)

const (
	wsHandshakeTimeout = 5 * time.Second
	wsReadLimit        = 1024
	wsPongWait         = 2 * time.Minute
)

// WebSocketHandler 管理工作流事件流的 WebSocket 连接
type WebSocketHandler struct {
	hub      *notification.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建处理器
func NewWebSocketHandler(hub *notification.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			// 鉴权由 AuthMiddleware 承担，这里不校验来源
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// connectedAck 升级成功后推送的首帧
type connectedAck struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	JobOrders []string `json:"jobOrders"`
}

// Connect 升级连接并注册客户端
// @Summary 订阅工作流实时事件
// @Description 升级为 WebSocket 连接；job_orders 查询参数可按工单过滤，注册时回放最近事件
// @Tags Notifications
// @Security BearerAuth
// @Param job_orders query []string false "订阅的工单 ID 列表"
// @Success 101 {string} string "Switching Protocols"
// @Router /api/workflow/events/ws [get]
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if h == nil || h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocket 服务未就绪"})
		return
	}

	jobOrderIDs := c.QueryArray("job_orders")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时 gorilla 已写入 HTTP 错误响应
		return
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	h.hub.Register(conn, jobOrderIDs)
	_ = conn.WriteJSON(connectedAck{
		Type:      "connected",
		Message:   "WebSocket 已连接",
		JobOrders: jobOrderIDs,
	})

	go h.drain(conn)
}

// drain 消费入站帧以驱动 Pong 处理，读取出错即注销连接
func (h *WebSocketHandler) drain(conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
