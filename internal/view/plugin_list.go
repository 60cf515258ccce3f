package view

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
)

// DefaultReloadTimeout 为事件触发的异步刷新设置的超时时间。
const DefaultReloadTimeout = 30 * time.Second

// Controller 是列表视图依赖的控制器能力：订阅事件与发起操作。
type Controller interface {
	Subscribe(fn plugin.Listener, kinds ...plugin.EventKind)
	Run(ctx context.Context, op plugin.Operation, pluginID string) *plugin.Pending
}

// Source 提供插件总览数据。
type Source interface {
	Overview(ctx context.Context) ([]plugin.Record, error)
}

// Row 是列表中的一行，附带按状态选出的操作链接。
type Row struct {
	plugin.Record
	PluginID string          `json:"id"`
	Actions  []plugin.Action `json:"actions"`
}

// Option 定制 PluginList。
type Option func(*PluginList)

// WithReloadObserver 在每次刷新结束后回调，用于记录指标。
func WithReloadObserver(fn func(error)) Option {
	return func(l *PluginList) { l.onReload = fn }
}

// WithReloadTimeout 设置事件触发刷新时使用的超时时间。
func WithReloadTimeout(d time.Duration) Option {
	return func(l *PluginList) {
		if d > 0 {
			l.reloadTimeout = d
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(lg *slog.Logger) Option {
	return func(l *PluginList) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// PluginList 缓存服务端的插件总览，收到 changed 事件后异步重新加载。
type PluginList struct {
	controller    Controller
	source        Source
	logger        *slog.Logger
	onReload      func(error)
	reloadTimeout time.Duration

	mu       sync.RWMutex
	rows     []Row
	loaded   bool
	loadedAt time.Time
	// issued 是最近一次发起刷新的序号，applied 是已写入缓存的最大序号。
	issued  uint64
	applied uint64

	reloads sync.WaitGroup
}

// NewPluginList 创建列表视图并向控制器订阅一次 changed 事件。
func NewPluginList(controller Controller, source Source, opts ...Option) *PluginList {
	l := &PluginList{
		controller:    controller,
		source:        source,
		reloadTimeout: DefaultReloadTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.logger == nil {
		l.logger = logger.Named("plugin_list")
	}
	controller.Subscribe(l.onChanged, plugin.EventChanged)
	return l
}

// onChanged 在控制器的 goroutine 上运行，只负责启动刷新，不阻塞事件分发。
// 序号在这里同步分配，保证按事件顺序决定哪次刷新的结果更新。
func (l *PluginList) onChanged(event plugin.Event) {
	seq := l.nextSeq()
	l.reloads.Add(1)
	go func() {
		defer l.reloads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.reloadTimeout)
		defer cancel()
		if err := l.reload(ctx, seq); err != nil {
			l.logger.Warn("插件列表刷新失败", slog.String("plugin_id", event.PluginID), slog.Any("error", err))
		}
	}()
}

// Reload 从总览接口重新加载数据。失败时保留上一次的结果；
// 若更晚发起的刷新已先完成，本次结果被丢弃。
func (l *PluginList) Reload(ctx context.Context) error {
	return l.reload(ctx, l.nextSeq())
}

func (l *PluginList) nextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued++
	return l.issued
}

func (l *PluginList) reload(ctx context.Context, seq uint64) error {
	records, err := l.source.Overview(ctx)
	if l.onReload != nil {
		l.onReload(err)
	}
	if err != nil {
		return fmt.Errorf("load plugin overview: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Name == records[j].Name {
			return records[i].ID() < records[j].ID()
		}
		return records[i].Name < records[j].Name
	})
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, Row{Record: r, PluginID: r.ID(), Actions: plugin.ActionsFor(r.State)})
	}

	l.mu.Lock()
	if applied := l.applied; seq < applied {
		l.mu.Unlock()
		l.logger.Debug("丢弃过期的插件列表", slog.Uint64("seq", seq), slog.Uint64("applied", applied))
		return nil
	}
	l.applied = seq
	l.rows = rows
	l.loaded = true
	l.loadedAt = time.Now()
	l.mu.Unlock()

	l.logger.Debug("插件列表已刷新", slog.Int("count", len(rows)))
	return nil
}

// Rows 返回当前缓存的行，按名称排序。
func (l *PluginList) Rows() []Row {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Row, len(l.rows))
	copy(out, l.rows)
	return out
}

// Loaded 表示是否至少成功加载过一次，以及最近一次加载时间。
func (l *PluginList) Loaded() (bool, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded, l.loadedAt
}

// Find 按插件 ID 查找行。
func (l *PluginList) Find(pluginID string) (Row, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, row := range l.rows {
		if row.PluginID == pluginID {
			return row, true
		}
	}
	return Row{}, false
}

// Invoke 校验操作是否为该行状态提供的链接之一，然后交给控制器执行。
// 控制器本身不做这项校验。
func (l *PluginList) Invoke(ctx context.Context, pluginID string, op plugin.Operation) (*plugin.Pending, error) {
	row, ok := l.Find(pluginID)
	if !ok {
		return nil, xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("plugin %s not found", pluginID))
	}
	if !plugin.Allows(row.State, op) {
		return nil, xerrors.New(xerrors.CodePluginInvalidTransition,
			fmt.Sprintf("%s is not offered for plugin %s in state %s", op, pluginID, row.State),
			xerrors.WithMetadata("state", string(row.State)))
	}
	return l.controller.Run(ctx, op, pluginID), nil
}

// Wait 等待所有事件触发的刷新结束。
func (l *PluginList) Wait() {
	l.reloads.Wait()
}
