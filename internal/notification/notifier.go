package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"jobflow/internal/logger"
	"jobflow/internal/metrics"

	"go.uber.org/zap"
)

// ErrNoAddresses 表示目录未解析出任何可投递地址，通道跳过本次发送
var ErrNoAddresses = errors.New("通知: 无可投递的邮箱地址")

// Message 经收件人解析后的通知内容。Recipients 保留原始收件人
// （角色名或用户标识），Emails 为目录解析出的邮箱地址。
type Message struct {
	Recipients []string
	Emails     []string
	Subject    string
	Body       string
	SentAt     time.Time
}

// Channel 单一通知通道
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg *Message) error
}

// Directory 将角色名或用户标识解析为邮箱地址。
// 形如邮箱的收件人（含 @）不经目录直接透传。
type Directory interface {
	EmailsFor(ctx context.Context, recipients []string) ([]string, error)
}

// StaticDirectory 静态目录，键为角色名或用户标识
type StaticDirectory map[string][]string

// EmailsFor 实现 Directory
func (d StaticDirectory) EmailsFor(_ context.Context, recipients []string) ([]string, error) {
	var emails []string
	for _, r := range recipients {
		emails = append(emails, d[r]...)
	}
	return emails, nil
}

// MultiNotifier 多通道通知器，实现 workflow.Notifier。
// 先经目录解析收件人，再逐通道投递；任一通道成功即视为送达，
// 全部失败才返回错误。
type MultiNotifier struct {
	channels  []Channel
	directory Directory
	logger    *zap.Logger
}

// NotifierOption 配置通知器
type NotifierOption func(*MultiNotifier)

// WithChannel 追加一个通道
func WithChannel(ch Channel) NotifierOption {
	return func(m *MultiNotifier) {
		if ch != nil {
			m.channels = append(m.channels, ch)
		}
	}
}

// WithEmailChannel 启用邮件通道
func WithEmailChannel(cfg *EmailConfig) NotifierOption {
	return func(m *MultiNotifier) {
		if cfg != nil {
			m.channels = append(m.channels, NewEmailChannel(cfg))
		}
	}
}

// WithWebhookChannel 启用 Webhook 通道
func WithWebhookChannel(cfg *WebhookConfig) NotifierOption {
	return func(m *MultiNotifier) {
		if cfg != nil && cfg.URL != "" {
			m.channels = append(m.channels, NewWebhookChannel(cfg))
		}
	}
}

// WithFeedChannel 启用 WebSocket 动态通道
func WithFeedChannel(hub *Hub) NotifierOption {
	return func(m *MultiNotifier) {
		if hub != nil {
			m.channels = append(m.channels, NewFeedChannel(hub))
		}
	}
}

// WithDirectory 指定收件人目录
func WithDirectory(d Directory) NotifierOption {
	return func(m *MultiNotifier) { m.directory = d }
}

// WithNotifierLogger 设置日志器
func WithNotifierLogger(l *zap.Logger) NotifierOption {
	return func(m *MultiNotifier) { m.logger = l }
}

// NewMultiNotifier 创建多通道通知器。未配置任何通道时 Notify 直接返回 nil。
func NewMultiNotifier(opts ...NotifierOption) *MultiNotifier {
	m := &MultiNotifier{logger: logger.Get()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Notify 实现 workflow.Notifier
func (m *MultiNotifier) Notify(ctx context.Context, recipients []string, subject, body string) error {
	if m == nil || len(m.channels) == 0 {
		return nil
	}

	emails, err := m.resolveEmails(ctx, recipients)
	if err != nil {
		m.logger.Warn("解析通知收件人失败", zap.Strings("recipients", recipients), zap.Error(err))
	}

	msg := &Message{
		Recipients: recipients,
		Emails:     emails,
		Subject:    subject,
		Body:       body,
		SentAt:     time.Now().UTC(),
	}

	var (
		delivered int
		errs      []error
	)
	for _, ch := range m.channels {
		err := ch.Deliver(ctx, msg)
		switch {
		case err == nil:
			delivered++
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "sent").Inc()
		case errors.Is(err, ErrNoAddresses):
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "skipped").Inc()
			m.logger.Debug("通知通道无收件人，跳过",
				zap.String("channel", ch.Name()),
				zap.String("subject", subject))
		default:
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "failed").Inc()
			m.logger.Warn("通知通道发送失败",
				zap.String("channel", ch.Name()),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	if delivered == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// resolveEmails 合并目录解析结果与直接给出的邮箱地址，去重并排序
func (m *MultiNotifier) resolveEmails(ctx context.Context, recipients []string) ([]string, error) {
	var (
		direct  []string
		lookup  []string
		resolve []string
		err     error
	)
	for _, r := range recipients {
		if strings.Contains(r, "@") {
			direct = append(direct, r)
		} else if r != "" {
			lookup = append(lookup, r)
		}
	}
	if m.directory != nil && len(lookup) > 0 {
		resolve, err = m.directory.EmailsFor(ctx, lookup)
	}

	seen := make(map[string]struct{}, len(direct)+len(resolve))
	var emails []string
	for _, e := range append(direct, resolve...) {
		addr := strings.ToLower(strings.TrimSpace(e))
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		emails = append(emails, addr)
	}
	sort.Strings(emails)
	return emails, err
}

// EmailConfig 邮件通道配置
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	FromName string
}

// EmailChannel SMTP 邮件通道
type EmailChannel struct {
	config *EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel 创建邮件通道
func NewEmailChannel(config *EmailConfig) *EmailChannel {
	return &EmailChannel{config: config, send: smtp.SendMail}
}

// Name 实现 Channel
func (e *EmailChannel) Name() string { return "email" }

// Deliver 实现 Channel。无可投递地址时返回 ErrNoAddresses。
func (e *EmailChannel) Deliver(_ context.Context, msg *Message) error {
	if e.config == nil || e.config.SMTPHost == "" {
		return fmt.Errorf("邮件未配置")
	}
	if len(msg.Emails) == 0 {
		return ErrNoAddresses
	}

	var body bytes.Buffer
	fmt.Fprintf(&body,
		"From: %s <%s>\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n",
		e.config.FromName,
		e.config.From,
		strings.Join(msg.Emails, ", "),
		msg.Subject,
		msg.Body,
	)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)
	if err := e.send(addr, auth, e.config.From, msg.Emails, body.Bytes()); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}

// WebhookConfig Webhook 通道配置
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// WebhookChannel 将通知 POST 到外部回调地址
type WebhookChannel struct {
	config *WebhookConfig
	client *http.Client
}

// NewWebhookChannel 创建 Webhook 通道
func NewWebhookChannel(config *WebhookConfig) *WebhookChannel {
	timeout := 10 * time.Second
	if config != nil && config.Timeout > 0 {
		timeout = config.Timeout
	}
	return &WebhookChannel{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// Name 实现 Channel
func (w *WebhookChannel) Name() string { return "webhook" }

// Deliver 实现 Channel
func (w *WebhookChannel) Deliver(ctx context.Context, msg *Message) error {
	if w.config == nil || w.config.URL == "" {
		return fmt.Errorf("Webhook URL 未配置")
	}

	payload := map[string]any{
		"subject":    msg.Subject,
		"body":       msg.Body,
		"recipients": msg.Recipients,
		"timestamp":  msg.SentAt.Format(time.RFC3339),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化 Webhook 负载失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("创建 Webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "JobFlow-Notifier/1.0")
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回错误状态: %d", resp.StatusCode)
	}
	return nil
}

// FeedChannel 将通知推送到 WebSocket 动态流
type FeedChannel struct {
	hub *Hub
}

// NewFeedChannel 创建动态流通道
func NewFeedChannel(hub *Hub) *FeedChannel {
	return &FeedChannel{hub: hub}
}

// Name 实现 Channel
func (f *FeedChannel) Name() string { return "feed" }

// Deliver 实现 Channel。通知帧不区分工单，推给所有在线连接。
func (f *FeedChannel) Deliver(_ context.Context, msg *Message) error {
	if f == nil || f.hub == nil {
		return fmt.Errorf("WebSocket hub 未配置")
	}
	f.hub.Notice(msg.Subject, msg.Body, msg.Recipients)
	return nil
}
