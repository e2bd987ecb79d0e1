package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "Revenue-API/internal/errors"
	"Revenue-API/pkg/logger"
)

// Channel 标识一种通知渠道。
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Event 是一次待广播的告警。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	TaskID     string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 把事件发到自己负责的渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是告警出口的最小接口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把同一事件广播到全部已注册渠道，
// 单个渠道失败不影响其它渠道。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 注册通知器，nil 会被忽略，同渠道后注册者覆盖前者。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set[n.Channel()] = n
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 逐个渠道投递并聚合失败。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

func skipMisconfigured(name string, event Event) {
	logger.L().Warn(name+" 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
}

// EmailSender 是邮件发送的最小能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 把告警发成邮件，正文带完整上下文。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		skipMisconfigured("EmailNotifier", event)
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)

	var body strings.Builder
	fmt.Fprintf(&body, "告警时间: %s\n任务: %s\n重试: %d/%d\n错误码: %s\n描述: %s",
		event.OccurredAt.Format(time.RFC3339), event.TaskID,
		event.Attempts, event.MaxRetries, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		body.WriteString("\n详情:\n")
		for k, v := range event.Metadata {
			fmt.Fprintf(&body, "- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, body.String(), n.To)
}

// WebhookSender 是通用 Webhook 发送的最小能力。
type WebhookSender interface {
	Send(ctx context.Context, content string) error
}

// WebhookNotifier 把告警以纯文本推给 Webhook。
type WebhookNotifier struct {
	Sender WebhookSender
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		skipMisconfigured("WebhookNotifier", event)
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n任务: %s\n重试: %d/%d\n%s",
		event.Severity, event.Code, event.TaskID,
		event.Attempts, event.MaxRetries, event.Message)
	return n.Sender.Send(ctx, payload)
}

// SlackSender 是 Slack 消息发送的最小能力。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 把告警发到指定的 Slack 频道。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		skipMisconfigured("SlackNotifier", event)
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (重试 %d/%d)",
		event.Severity, event.Code, event.Message, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
