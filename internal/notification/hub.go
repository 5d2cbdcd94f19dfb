package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"jobflow/internal/logger"
	"jobflow/internal/metrics"
	"jobflow/internal/workflow"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame 推送给客户端的消息帧
type Frame struct {
	Kind       string          `json:"kind"` // event, notification
	Event      *workflow.Event `json:"event,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Body       string          `json:"body,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	SentAt     time.Time       `json:"sentAt"`
}

type feedClient struct {
	conn *websocket.Conn
	jobs map[string]struct{} // 空集合表示订阅全部工单
	mu   sync.Mutex
}

func (c *feedClient) wants(jobOrderID string) bool {
	if len(c.jobs) == 0 || jobOrderID == "" {
		return true
	}
	_, ok := c.jobs[jobOrderID]
	return ok
}

// Hub 管理工单动态流的 WebSocket 连接。客户端可按工单订阅，
// 也可订阅全部；通知帧不分工单，推给所有连接。
type Hub struct {
	mu                sync.RWMutex
	clients           map[*websocket.Conn]*feedClient
	backlog           Backlog
	keepAliveInterval time.Duration
	logger            *zap.Logger
}

// HubOption 配置 hub
type HubOption func(*Hub)

// WithBacklog 指定事件回放存储
func WithBacklog(b Backlog) HubOption {
	return func(h *Hub) { h.backlog = b }
}

// WithKeepAliveInterval 设置心跳间隔，非正值关闭心跳
func WithKeepAliveInterval(interval time.Duration) HubOption {
	return func(h *Hub) { h.keepAliveInterval = interval }
}

// WithHubLogger 设置日志器
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub 创建 Hub
func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		clients:           make(map[*websocket.Conn]*feedClient),
		backlog:           NewMemoryBacklog(50),
		keepAliveInterval: 30 * time.Second,
		logger:            logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// Register 注册连接并回放最近事件。jobOrderIDs 为空表示订阅全部工单。
func (h *Hub) Register(conn *websocket.Conn, jobOrderIDs []string) {
	client := &feedClient{
		conn: conn,
		jobs: sliceToSet(jobOrderIDs),
	}
	h.mu.Lock()
	h.clients[conn] = client
	h.mu.Unlock()

	metrics.WebSocketConnectionsGauge.Inc()
	h.replayBacklog(context.Background(), client)
	h.startKeepAlive(client)
}

// Unregister 移除连接
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		metrics.WebSocketConnectionsGauge.Dec()
	}
}

// Broadcast 将工单事件推送给订阅了该工单（或全部工单）的连接，
// 并写入回放存储
func (h *Hub) Broadcast(evt workflow.Event) {
	sentAt := evt.OccurredAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	frame := Frame{Kind: "event", Event: &evt, SentAt: sentAt}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("序列化事件帧失败", zap.String("event", evt.Name), zap.Error(err))
		return
	}

	if h.backlog != nil {
		if err := h.backlog.Append(context.Background(), Entry{JobOrderID: evt.JobOrderID, Payload: data}); err != nil {
			h.logger.Debug("写入事件回放失败", zap.Error(err))
		}
	}

	for _, client := range h.snapshot() {
		if !client.wants(evt.JobOrderID) {
			continue
		}
		h.write(client, data)
	}
}

// Notice 将通知帧推送给所有在线连接。通知不进入回放存储。
func (h *Hub) Notice(subject, body string, recipients []string) {
	frame := Frame{
		Kind:       "notification",
		Subject:    subject,
		Body:       body,
		Recipients: recipients,
		SentAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("序列化通知帧失败", zap.Error(err))
		return
	}
	for _, client := range h.snapshot() {
		h.write(client, data)
	}
}

// Pump 订阅事件总线并持续转发到动态流，直到 ctx 取消。
// 通常在独立 goroutine 中运行。
func (h *Hub) Pump(ctx context.Context, bus *workflow.EventBus) {
	if bus == nil {
		return
	}
	events, cancel := bus.Subscribe("")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(evt)
		}
	}
}

// ConnectedCount 返回当前在线连接数
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll 关闭所有连接，用于服务停机
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
		metrics.WebSocketConnectionsGauge.Dec()
	}
}

func (h *Hub) snapshot() []*feedClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*feedClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) write(client *feedClient, data []byte) {
	client.mu.Lock()
	client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := client.conn.WriteMessage(websocket.TextMessage, data)
	client.mu.Unlock()
	if err != nil {
		h.Unregister(client.conn)
		_ = client.conn.Close()
	}
}

func (h *Hub) replayBacklog(ctx context.Context, client *feedClient) {
	if h.backlog == nil {
		return
	}
	entries, err := h.backlog.Recent(ctx)
	if err != nil {
		h.logger.Warn("回放最近事件失败", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !client.wants(entry.JobOrderID) {
			continue
		}
		client.mu.Lock()
		client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, entry.Payload); err != nil {
			client.mu.Unlock()
			h.logger.Debug("推送回放事件失败", zap.Error(err))
			return
		}
		client.mu.Unlock()
	}
}

func (h *Hub) startKeepAlive(client *feedClient) {
	if h.keepAliveInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.keepAliveInterval)
		defer ticker.Stop()
		for range ticker.C {
			client.mu.Lock()
			err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			client.mu.Unlock()
			if err != nil {
				h.Unregister(client.conn)
				_ = client.conn.Close()
				return
			}
		}
	}()
}

func sliceToSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
