package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
)

// Subscriber 是 plugin.Center 的订阅能力。
type Subscriber interface {
	Subscribe(fn plugin.Listener, kinds ...plugin.EventKind)
}

// Option 定制 Forwarder。
type Option func(*Forwarder)

// WithBuffer 设置待发送队列长度，队列满时丢弃新事件。
func WithBuffer(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithPublishTimeout 设置单条消息的发布超时。
func WithPublishTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithObserver 在每次发布后回调，用于记录指标。
func WithObserver(fn func(driver string, err error)) Option {
	return func(f *Forwarder) { f.observe = fn }
}

// Forwarder 订阅控制器事件并异步转发到 Publisher。转发失败只记录日志，
// 不会反馈给控制器。
type Forwarder struct {
	publisher Publisher
	buffer    int
	timeout   time.Duration
	observe   func(string, error)
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

// NewForwarder 创建转发器并启动后台发送协程。
func NewForwarder(publisher Publisher, opts ...Option) *Forwarder {
	f := &Forwarder{
		publisher: publisher,
		buffer:    256,
		timeout:   5 * time.Second,
		logger:    logger.Named("events"),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.queue = make(chan Message, f.buffer)
	go f.run()
	return f
}

// Attach 订阅全部事件类型。
func (f *Forwarder) Attach(s Subscriber) {
	s.Subscribe(f.Handle)
}

// Handle 将事件放入发送队列，不会阻塞调用方。
func (f *Forwarder) Handle(event plugin.Event) {
	msg := Message{
		EventID:    uuid.NewString(),
		Kind:       event.Kind,
		PluginID:   event.PluginID,
		OccurredAt: f.now().UTC(),
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- msg:
	default:
		f.logger.Warn("事件队列已满，丢弃事件", slog.String("kind", string(event.Kind)), slog.String("plugin_id", event.PluginID))
		f.record(xerrors.New(xerrors.CodeEventForwardFailure, "queue full"))
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for msg := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := f.publisher.Publish(ctx, msg)
		cancel()
		if err != nil {
			err = xerrors.Wrap(xerrors.CodeEventForwardFailure, err, "")
			f.logger.Warn("事件转发失败",
				slog.String("driver", f.publisher.Driver()),
				slog.String("event_id", msg.EventID),
				slog.Any("error", err))
		}
		f.record(err)
	}
}

func (f *Forwarder) record(err error) {
	if f.observe != nil {
		f.observe(f.publisher.Driver(), err)
	}
}

// Close 停止接收新事件，发送完队列中的消息后关闭 Publisher。
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	<-f.done
	return f.publisher.Close()
}
