package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
)

// Event 描述一次失败的插件操作。
type Event struct {
	Code       xerrors.Code
	Severity   xerrors.Severity
	StatusCode int
	Title      string
	Message    string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑，同一渠道只保留最后注册的通知器。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道，按名称排序。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。
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
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Reporter 实现 plugin.FailureReporter：把失败操作转成告警事件，
// 并交给下游的用户界面继续渲染。
type Reporter struct {
	Dispatcher Dispatcher
	// Next 为可选的界面渲染器，例如终端输出。
	Next    plugin.FailureReporter
	Timeout time.Duration
	Now     func() time.Time
}

// HandleFailure 实现 plugin.FailureReporter。
func (r *Reporter) HandleFailure(statusCode int, title, message string) {
	if r.Next != nil {
		r.Next.HandleFailure(statusCode, title, message)
	}
	if r.Dispatcher == nil {
		return
	}

	code := xerrors.CodePluginTransportFailure
	if statusCode > 0 {
		code = xerrors.CodePluginServerFailure
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	event := Event{
		Code:       code,
		Severity:   xerrors.AttributesOf(code).Severity,
		StatusCode: statusCode,
		Title:      title,
		Message:    message,
		Metadata:   map[string]string{"status": strconv.Itoa(statusCode)},
		OccurredAt: now().UTC(),
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.Dispatcher.Notify(ctx, event); err != nil {
		logger.Named("alerting").Warn("告警发送失败", slog.String("code", string(code)), slog.Any("error", err))
	}
}

// LogNotifier 将告警写入结构化日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := n.Logger
	if l == nil {
		l = logger.Named("alerting")
	}
	l.Error(event.Message,
		slog.String("title", event.Title),
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.Int("status", event.StatusCode),
	)
	return nil
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Title)
	content := fmt.Sprintf("告警时间: %s\n错误码: %s\n状态码: %d\n描述: %s",
		event.OccurredAt.Format(time.RFC3339), event.Code, event.StatusCode, event.Message)
	return n.Sender.Send(ctx, subject, content, n.To)
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (HTTP %d)", event.Severity, event.Title, event.Message, event.StatusCode)
	return n.Sender.Send(ctx, n.ChannelID, content)
}

var _ plugin.FailureReporter = (*Reporter)(nil)
