package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
)

// 操作结果取值。
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry 表示一条插件操作记录。
type Entry struct {
	ID         string           `json:"id"`
	Operation  plugin.Operation `json:"operation"`
	PluginID   string           `json:"plugin_id"`
	Outcome    string           `json:"outcome"`
	StatusCode int              `json:"status_code,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// FromOutcome 将控制器的操作结果转换为记录。
func FromOutcome(o plugin.Outcome) Entry {
	entry := Entry{
		ID:         o.OperationID,
		Operation:  o.Operation,
		PluginID:   o.PluginID,
		Outcome:    OutcomeSuccess,
		StatusCode: o.StatusCode,
		StartedAt:  o.StartedAt.UTC(),
		FinishedAt: o.FinishedAt.UTC(),
	}
	if o.Err != nil {
		entry.Outcome = OutcomeFailure
		entry.Error = o.Err.Error()
	}
	return entry
}

// Filter 限定查询范围。Limit 非正数时返回全部保留的记录。
type Filter struct {
	PluginID string
	Limit    int
}

// Store 抽象操作记录的持久化。List 按完成时间倒序返回。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}

// DefaultRetention 为内存存储默认保留的记录数。
const DefaultRetention = 500

// MemoryStore 在内存中保留最近的若干条记录。
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []Entry
	retention int
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{retention: retention}
}

// Append 实现 Store。
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]Entry{entry}, m.entries...)
	if len(m.entries) > m.retention {
		m.entries = m.entries[:m.retention]
	}
	return nil
}

// List 实现 Store。
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if filter.PluginID != "" && e.PluginID != filter.PluginID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }

// Recorder 作为 plugin.Observer 将每次操作写入 Store。写入失败只记录日志，
// 不影响操作本身。
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder 创建记录器。
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, timeout: 5 * time.Second, logger: logger.Named("history")}
}

// OperationFinished 实现 plugin.Observer。
func (r *Recorder) OperationFinished(ctx context.Context, outcome plugin.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, FromOutcome(outcome)); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeHistoryStoreFailure, err, "")
		r.logger.Warn("写入操作记录失败",
			slog.String("operation_id", outcome.OperationID),
			slog.String("code", string(wrapped.Code())),
			slog.Any("error", err))
	}
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ plugin.Observer = (*Recorder)(nil)
)
