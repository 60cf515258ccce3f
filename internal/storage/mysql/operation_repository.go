package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/internal/history"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
)

const (
	insertOperationSQL = `INSERT INTO plugin_operations
    (id, operation, plugin_id, outcome, status_code, error_message, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectOperationsSQL = `SELECT id, operation, plugin_id, outcome, status_code, error_message, started_at, finished_at
    FROM plugin_operations ORDER BY finished_at DESC, id DESC LIMIT ?`

	selectPluginOperationsSQL = `SELECT id, operation, plugin_id, outcome, status_code, error_message, started_at, finished_at
    FROM plugin_operations WHERE plugin_id = ? ORDER BY finished_at DESC, id DESC LIMIT ?`

	// mysqlDuplicateEntry 为主键冲突的错误号。
	mysqlDuplicateEntry = 1062

	defaultListLimit = 100
)

// OperationRepository 将插件操作记录写入 MySQL，实现 history.Store。
type OperationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func newRepository(db *sql.DB) *OperationRepository {
	return &OperationRepository{db: db, logger: logger.Named("mysql")}
}

// NewOperationRepository 创建连接池并执行嵌入的迁移。
func NewOperationRepository(ctx context.Context, cfg Config) (*OperationRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeHistoryStoreFailure, err, "")
	}
	repo := newRepository(db)
	if err := repo.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeHistoryStoreFailure, err, "")
	}
	return repo, nil
}

// Append 写入一条记录。同一操作 ID 重复写入时视为成功。
func (s *OperationRepository) Append(ctx context.Context, entry history.Entry) error {
	if entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, insertOperationSQL,
		entry.ID,
		string(entry.Operation),
		entry.PluginID,
		entry.Outcome,
		entry.StatusCode,
		entry.Error,
		entry.StartedAt.UnixMilli(),
		entry.FinishedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeHistoryStoreFailure, err, "写入操作记录失败")
	}
	return nil
}

// List 按完成时间倒序查询记录。
func (s *OperationRepository) List(ctx context.Context, filter history.Filter) ([]history.Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if filter.PluginID != "" {
		rows, err = s.db.QueryContext(ctx, selectPluginOperationsSQL, filter.PluginID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectOperationsSQL, limit)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeHistoryStoreFailure, err, "查询操作记录失败")
	}
	defer rows.Close()

	var entries []history.Entry
	for rows.Next() {
		var (
			entry             history.Entry
			operation         string
			started, finished int64
		)
		if err := rows.Scan(&entry.ID, &operation, &entry.PluginID, &entry.Outcome, &entry.StatusCode, &entry.Error, &started, &finished); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeHistoryStoreFailure, err, "解析操作记录失败")
		}
		entry.Operation = plugin.Operation(operation)
		entry.StartedAt = time.UnixMilli(started).UTC()
		entry.FinishedAt = time.UnixMilli(finished).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeHistoryStoreFailure, err, "遍历操作记录失败")
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (s *OperationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ history.Store = (*OperationRepository)(nil)
