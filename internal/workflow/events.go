package workflow

import (
	"sync"
	"time"
)

// 工作流事件名，自动化规则按事件名订阅。
// phase_duration_check 由周期扫描触发，让 days_in_phase
// 类规则无需外部事件也能生效。
const (
	EventPhaseChanged       = "phase_changed"
	EventJobCreated         = "job_created"
	EventJobUpdated         = "job_updated"
	EventEscalationRaised   = "escalation_raised"
	EventPhaseDurationCheck = "phase_duration_check"
)

// Event 描述一次工作流状态变化
type Event struct {
	Name       string         `json:"name"`
	JobOrderID string         `json:"jobOrderId"`
	JobNumber  string         `json:"jobNumber"`
	FromPhase  Phase          `json:"fromPhase,omitempty"`
	ToPhase    Phase          `json:"toPhase,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// EventBusConfig 控制事件总线行为
type EventBusConfig struct {
	BufferSize int
}

// EventBus 简单本地事件总线。按工单订阅，jobOrderID 传空串
// 订阅全部工单。接收方处理慢时丢弃事件，发布方永不阻塞。
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	seq    uint64
	buffer int
}

// NewEventBus 创建事件总线
func NewEventBus(cfg *EventBusConfig) *EventBus {
	buffer := 16
	if cfg != nil && cfg.BufferSize > 0 {
		buffer = cfg.BufferSize
	}
	return &EventBus{
		subs:   make(map[string]map[uint64]chan Event),
		buffer: buffer,
	}
}

// Publish 发布事件，同时投递到按工单与全局两类订阅者
func (b *EventBus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, 4)
	for _, ch := range b.subs[evt.JobOrderID] {
		targets = append(targets, ch)
	}
	if evt.JobOrderID != "" {
		for _, ch := range b.subs[""] {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// 接收方处理慢则丢弃，保持非阻塞
		}
	}
}

// Subscribe 订阅指定工单的事件，返回取消函数。
// jobOrderID 为空串时订阅所有工单。
func (b *EventBus) Subscribe(jobOrderID string) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.seq++
	id := b.seq
	if _, ok := b.subs[jobOrderID]; !ok {
		b.subs[jobOrderID] = make(map[uint64]chan Event)
	}
	b.subs[jobOrderID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.removeListener(jobOrderID, id)
	}
	return ch, cancel
}

func (b *EventBus) removeListener(jobOrderID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if listeners, ok := b.subs[jobOrderID]; ok {
		if ch, exists := listeners[id]; exists {
			delete(listeners, id)
			close(ch)
		}
		if len(listeners) == 0 {
			delete(b.subs, jobOrderID)
		}
	}
}
