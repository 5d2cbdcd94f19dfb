package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"jobflow/internal/config"
	"jobflow/internal/worker/tasks"
)

// Client 任务队列客户端接口
// 覆盖引擎消费的延迟入队能力：计划流转唤醒与升级定时器
type Client interface {
	EnqueueScheduledTransition(payload tasks.ScheduledTransitionPayload, eta time.Time) error
	EnqueueEscalationCheck(payload tasks.EscalationCheckPayload, eta time.Time) error
	Close() error
}

type asynqClient struct {
	client          *asynq.Client
	escalationQueue string
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig, escalationQueue string) Client {
	if escalationQueue == "" {
		escalationQueue = "escalation"
	}
	return &asynqClient{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		escalationQueue: escalationQueue,
	}
}

// enqueueAt 序列化载荷并按执行时间入队
func (c *asynqClient) enqueueAt(taskType string, payload any, eta time.Time, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化任务载荷失败: %w", err)
	}

	opts = append(opts, asynq.ProcessAt(eta))
	if _, err := c.client.Enqueue(asynq.NewTask(taskType, data), opts...); err != nil {
		return fmt.Errorf("任务入队失败: %w", err)
	}
	return nil
}

// EnqueueScheduledTransition 按计划时间入队流转唤醒任务
// 唤醒本身幂等（非 Pending 状态为 no-op），因此允许 asynq 少量重试
func (c *asynqClient) EnqueueScheduledTransition(payload tasks.ScheduledTransitionPayload, eta time.Time) error {
	return c.enqueueAt(tasks.TypeScheduledTransition, payload, eta,
		asynq.Queue("workflow"),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	)
}

// EnqueueEscalationCheck 按升级超时时间入队检查任务
func (c *asynqClient) EnqueueEscalationCheck(payload tasks.EscalationCheckPayload, eta time.Time) error {
	return c.enqueueAt(tasks.TypeEscalationCheck, payload, eta,
		asynq.Queue(c.escalationQueue),
		asynq.MaxRetry(1),
		asynq.Timeout(2*time.Minute),
	)
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
