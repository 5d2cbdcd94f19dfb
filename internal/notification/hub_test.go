package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobflow/internal/workflow"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(opts ...HubOption) *Hub {
	base := []HubOption{
		WithHubLogger(zap.NewNop()),
		WithKeepAliveInterval(0),
	}
	return NewHub(append(base, opts...)...)
}

// dialFeed 建立一条测试连接，返回客户端连接与服务端连接
func dialFeed(t *testing.T, hub *Hub, jobOrderIDs []string) (client, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("升级 WebSocket 失败: %v", err)
			return
		}
		hub.Register(conn, jobOrderIDs)
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("等待服务端连接注册超时")
	}
	return client, server
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub := newTestHub()
	client, _ := dialFeed(t, hub, nil)
	require.Equal(t, 1, hub.ConnectedCount())

	occurred := time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC)
	hub.Broadcast(workflow.Event{
		Name:       workflow.EventPhaseChanged,
		JobOrderID: "job-1",
		JobNumber:  "JOB-25-00001",
		FromPhase:  workflow.PhaseSubmission,
		ToPhase:    workflow.PhaseEstimation,
		Actor:      "u-pm",
		OccurredAt: occurred,
	})

	frame := readFrame(t, client)
	require.Equal(t, "event", frame.Kind)
	require.NotNil(t, frame.Event)
	require.Equal(t, workflow.EventPhaseChanged, frame.Event.Name)
	require.Equal(t, "JOB-25-00001", frame.Event.JobNumber)
	require.Equal(t, workflow.PhaseEstimation, frame.Event.ToPhase)
	require.True(t, frame.SentAt.Equal(occurred))
}

func TestHubFiltersByJobOrder(t *testing.T) {
	hub := newTestHub()
	filtered, _ := dialFeed(t, hub, []string{"job-a"})
	all, _ := dialFeed(t, hub, nil)
	require.Equal(t, 2, hub.ConnectedCount())

	hub.Broadcast(workflow.Event{Name: workflow.EventJobUpdated, JobOrderID: "job-b", JobNumber: "JOB-25-00002"})
	hub.Broadcast(workflow.Event{Name: workflow.EventJobUpdated, JobOrderID: "job-a", JobNumber: "JOB-25-00001"})

	// 全量订阅按顺序收到两条
	first := readFrame(t, all)
	require.Equal(t, "job-b", first.Event.JobOrderID)
	second := readFrame(t, all)
	require.Equal(t, "job-a", second.Event.JobOrderID)

	// 按工单过滤的连接只收到自己订阅的那条
	got := readFrame(t, filtered)
	require.Equal(t, "job-a", got.Event.JobOrderID)
}

func TestHubReplaysBacklogOnRegister(t *testing.T) {
	hub := newTestHub()

	// 无人在线时广播，事件进入回放存储
	hub.Broadcast(workflow.Event{Name: workflow.EventJobCreated, JobOrderID: "job-1", JobNumber: "JOB-25-00001"})
	hub.Broadcast(workflow.Event{Name: workflow.EventPhaseChanged, JobOrderID: "job-2", JobNumber: "JOB-25-00002"})

	t.Run("全量订阅按时间顺序回放", func(t *testing.T) {
		client, _ := dialFeed(t, hub, nil)
		first := readFrame(t, client)
		require.Equal(t, workflow.EventJobCreated, first.Event.Name)
		second := readFrame(t, client)
		require.Equal(t, workflow.EventPhaseChanged, second.Event.Name)
	})

	t.Run("按工单过滤的回放", func(t *testing.T) {
		client, _ := dialFeed(t, hub, []string{"job-2"})
		frame := readFrame(t, client)
		require.Equal(t, "job-2", frame.Event.JobOrderID)
	})
}

func TestHubNoticeReachesAllConnections(t *testing.T) {
	hub := newTestHub()
	filtered, _ := dialFeed(t, hub, []string{"job-a"})
	all, _ := dialFeed(t, hub, nil)

	hub.Notice("阶段升级", "工单 JOB-25-00001 在 Client Approval 停留超时", []string{"Sales Manager"})

	for _, conn := range []*websocket.Conn{filtered, all} {
		frame := readFrame(t, conn)
		require.Equal(t, "notification", frame.Kind)
		require.Equal(t, "阶段升级", frame.Subject)
		require.Equal(t, []string{"Sales Manager"}, frame.Recipients)
		require.False(t, frame.SentAt.IsZero())
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub := newTestHub()
	_, server := dialFeed(t, hub, nil)
	require.Equal(t, 1, hub.ConnectedCount())

	hub.Unregister(server)
	require.Equal(t, 0, hub.ConnectedCount())
	hub.Unregister(server)
	require.Equal(t, 0, hub.ConnectedCount())
}

func TestHubPrunesDeadConnections(t *testing.T) {
	hub := newTestHub()
	client, _ := dialFeed(t, hub, nil)
	require.NoError(t, client.Close())

	// 对已断开的连接写入失败后移除
	require.Eventually(t, func() bool {
		hub.Broadcast(workflow.Event{Name: workflow.EventJobUpdated, JobOrderID: "job-1"})
		return hub.ConnectedCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestHubCloseAll(t *testing.T) {
	hub := newTestHub()
	dialFeed(t, hub, nil)
	dialFeed(t, hub, []string{"job-a"})
	require.Equal(t, 2, hub.ConnectedCount())

	hub.CloseAll()
	require.Equal(t, 0, hub.ConnectedCount())
}

func TestHubPumpForwardsBusEvents(t *testing.T) {
	hub := newTestHub()
	bus := workflow.NewEventBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Pump(ctx, bus)
	time.Sleep(50 * time.Millisecond)

	client, _ := dialFeed(t, hub, nil)
	bus.Publish(workflow.Event{
		Name:       workflow.EventPhaseChanged,
		JobOrderID: "job-1",
		JobNumber:  "JOB-25-00001",
		ToPhase:    workflow.PhaseEstimation,
	})

	frame := readFrame(t, client)
	require.Equal(t, "event", frame.Kind)
	require.Equal(t, workflow.PhaseEstimation, frame.Event.ToPhase)
}

func TestFeedChannelDeliversNotice(t *testing.T) {
	hub := newTestHub()
	client, _ := dialFeed(t, hub, nil)

	ch := NewFeedChannel(hub)
	require.Equal(t, "feed", ch.Name())
	err := ch.Deliver(context.Background(), &Message{
		Recipients: []string{"Project Manager"},
		Subject:    "审批提醒",
		Body:       "工单等待审批",
		SentAt:     time.Now().UTC(),
	})
	require.NoError(t, err)

	frame := readFrame(t, client)
	require.Equal(t, "notification", frame.Kind)
	require.Equal(t, "审批提醒", frame.Subject)

	t.Run("未配置 hub", func(t *testing.T) {
		err := NewFeedChannel(nil).Deliver(context.Background(), &Message{})
		require.Error(t, err)
	})
}

func TestMemoryBacklogTrimsToLimit(t *testing.T) {
	backlog := NewMemoryBacklog(3)
	for _, id := range []string{"job-1", "job-2", "job-3", "job-4", "job-5"} {
		payload, err := json.Marshal(map[string]string{"job": id})
		require.NoError(t, err)
		require.NoError(t, backlog.Append(context.Background(), Entry{JobOrderID: id, Payload: payload}))
	}

	entries, err := backlog.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "job-3", entries[0].JobOrderID)
	require.Equal(t, "job-5", entries[2].JobOrderID)
}
