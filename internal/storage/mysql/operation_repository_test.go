package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/netroby/scm-manager/internal/errors"
	"github.com/netroby/scm-manager/internal/history"
	"github.com/netroby/scm-manager/pkg/plugin"
)

var operationColumns = []string{"id", "operation", "plugin_id", "outcome", "status_code", "error_message", "started_at", "finished_at"}

func TestOperationRepositoryAppend(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertOperationSQL, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := newRepository(db)
	start := time.UnixMilli(1_700_000_000_000)
	err := repo.Append(context.Background(), history.Entry{
		ID: "op-1", Operation: plugin.OperationInstall, PluginID: "sonia.plugin:git-plugin:1.0",
		Outcome: history.OutcomeSuccess, StartedAt: start, FinishedAt: start.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if got := driver.lastArgs(); len(got) != 8 || got[6] != int64(1_700_000_000_000) || got[7] != int64(1_700_000_001_000) {
		t.Fatalf("unexpected args: %v", got)
	}
}

func TestOperationRepositoryAppendDuplicateIsIgnored(t *testing.T) {
	t.Parallel()

	dup := &mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry 'op-1' for key 'PRIMARY'"}
	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertOperationSQL, err: dup},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newRepository(db).Append(context.Background(), history.Entry{ID: "op-1"}); err != nil {
		t.Fatalf("duplicate append should succeed, got %v", err)
	}
}

func TestOperationRepositoryAppendFailure(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertOperationSQL, err: errors.New("connection reset")},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := newRepository(db).Append(context.Background(), history.Entry{ID: "op-1"})
	if xerrors.CodeOf(err) != xerrors.CodeHistoryStoreFailure {
		t.Fatalf("expected history store failure, got %v", err)
	}
}

func TestOperationRepositoryList(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: operationColumns,
		values: [][]driver.Value{
			{"op-2", "uninstall", "sonia.plugin:svn-plugin:2.1", "failure", int64(500), "status 500", int64(2000), int64(3000)},
			{"op-1", "install", "sonia.plugin:git-plugin:1.0", "success", int64(0), "", int64(1000), int64(1500)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(selectOperationsSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	entries, err := newRepository(db).List(context.Background(), history.Filter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.ID != "op-2" || first.Operation != plugin.OperationUninstall || first.StatusCode != 500 {
		t.Fatalf("unexpected entry: %+v", first)
	}
	if !first.FinishedAt.Equal(time.UnixMilli(3000)) {
		t.Fatalf("unexpected finished_at: %v", first.FinishedAt)
	}
	if got := driver.lastArgs(); len(got) != 1 || got[0] != int64(defaultListLimit) {
		t.Fatalf("expected default limit, got %v", got)
	}
}

func TestOperationRepositoryListByPlugin(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectPluginOperationsSQL, mockRowsData{columns: operationColumns}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	entries, err := newRepository(db).List(context.Background(), history.Filter{PluginID: "g:a:1", Limit: 5})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
	if got := driver.lastArgs(); len(got) != 2 || got[0] != "g:a:1" || got[1] != int64(5) {
		t.Fatalf("unexpected args: %v", got)
	}
}

func TestOperationRepositoryRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newRepository(db).runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestOperationRepositorySkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newRepository(db).runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestNormalizeDSN(t *testing.T) {
	t.Parallel()

	dsn, err := normalizeDSN("scm:secret@tcp(db:3306)/scm_console")
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !strings.Contains(dsn, "timeout=5s") {
		t.Fatalf("expected default timeout in %s", dsn)
	}
	if _, err := normalizeDSN(" "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := normalizeDSN("not a dsn"); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}

func readMigrationStatement() string {
	content, err := embeddedMigrations.ReadFile("0001_create_plugin_operations.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops  []mockOperation
	idx  int32
	args atomic.Value
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) lastArgs() []driver.Value {
	v, _ := d.args.Load().([]driver.Value)
	return v
}

func (d *queueDriver) recordArgs(args []driver.NamedValue) {
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a.Value
	}
	d.args.Store(values)
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	c.driver.recordArgs(args)
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	c.driver.recordArgs(args)
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		want, got := normalizeSQL(op.query), normalizeSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
