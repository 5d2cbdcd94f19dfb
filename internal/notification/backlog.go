package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry 回放存储中的一条事件帧，JobOrderID 用于按订阅过滤
type Entry struct {
	JobOrderID string          `json:"jobOrderId"`
	Payload    json.RawMessage `json:"payload"`
}

// Backlog 缓存最近的事件帧，新连接接入时按时间顺序回放
type Backlog interface {
	Append(ctx context.Context, entry Entry) error
	Recent(ctx context.Context) ([]Entry, error)
}

// MemoryBacklog 简单内存实现
type MemoryBacklog struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewMemoryBacklog 创建内存回放存储
func NewMemoryBacklog(limit int) *MemoryBacklog {
	if limit <= 0 {
		limit = 50
	}
	return &MemoryBacklog{limit: limit}
}

// Append 实现 Backlog
func (b *MemoryBacklog) Append(_ context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.Payload = append(json.RawMessage(nil), entry.Payload...)
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.limit {
		b.entries = b.entries[len(b.entries)-b.limit:]
	}
	return nil
}

// Recent 实现 Backlog，返回顺序为从旧到新
func (b *MemoryBacklog) Recent(_ context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out, nil
}

// RedisBacklog 基于 Redis 列表的实现，多实例部署时共享回放
type RedisBacklog struct {
	client redis.UniversalClient
	key    string
	limit  int
	ttl    time.Duration
}

// NewRedisBacklog 创建 redis 回放存储
func NewRedisBacklog(client redis.UniversalClient, limit int, ttl time.Duration) *RedisBacklog {
	if limit <= 0 {
		limit = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisBacklog{
		client: client,
		key:    "jobflow:feed:backlog",
		limit:  limit,
		ttl:    ttl,
	}
}

// Append 实现 Backlog
func (b *RedisBacklog) Append(ctx context.Context, entry Entry) error {
	if b == nil || b.client == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.key, data)
	pipe.LTrim(ctx, b.key, int64(-b.limit), -1)
	pipe.Expire(ctx, b.key, b.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent 实现 Backlog，返回顺序为从旧到新。损坏的条目跳过。
func (b *RedisBacklog) Recent(ctx context.Context) ([]Entry, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	raw, err := b.client.LRange(ctx, b.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
