package connector

import (
	"context"
	"testing"

	"github.com/go-mysql-org/go-mysql/replication"
	gosqlmysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/cfg"
	"github.com/sqlbridge/sqlbridge/schema"
)

func testMySQLConnector(t *testing.T) *mysqlConnector {
	t.Helper()

	cache := schema.NewCache(nil)
	cache.RegisterLoader("b", func(ctx context.Context, schemaName, table string) (*schema.TableSchema, error) {
		return &schema.TableSchema{
			Schema: schemaName,
			Table:  table,
			Columns: []schema.Column{
				{Name: "id", Type: "bigint"},
				{Name: "name", Type: "varchar", Nullable: true},
			},
			PrimaryKeys: []string{"id"},
		}, nil
	})

	return &mysqlConnector{opts: Options{
		Endpoint: cfg.EndpointConfiguration{ID: "b", Type: cfg.EndpointMySQL, Database: "app"},
		Schemas:  cache,
	}}
}

func rowsEvent(rows ...[]any) *replication.RowsEvent {
	return &replication.RowsEvent{
		Table: &replication.TableMapEvent{
			Schema: []byte("app"),
			Table:  []byte("users"),
		},
		ColumnCount: 2,
		Rows:        rows,
	}
}

func TestDecodeWriteRowsEvent(t *testing.T) {
	c := testMySQLConnector(t)
	header := &replication.EventHeader{
		EventType: replication.WRITE_ROWS_EVENTv2,
		Timestamp: 1748800000,
		LogPos:    450,
	}

	events, err := c.decodeRowsEvent(context.Background(), header,
		rowsEvent([]any{int64(1), "Ada"}),
		cdc.BinlogPosition("mysql-bin.000001", 450))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.NoError(t, ev.Validate())
	assert.Equal(t, cdc.OpInsert, ev.Operation)
	assert.Equal(t, "app", ev.Schema)
	assert.Equal(t, "users", ev.Table)
	assert.Equal(t, "b", ev.SourceID)
	assert.Equal(t, "mysql-bin.000001:450", ev.Position.Value)

	name, _ := ev.After.Get("name")
	assert.Equal(t, "Ada", name.Str)
	id, _ := ev.PrimaryKey.Get("id")
	assert.Equal(t, int64(1), id.Int)
}

func TestDecodeUpdateRowsEventPairs(t *testing.T) {
	c := testMySQLConnector(t)
	header := &replication.EventHeader{EventType: replication.UPDATE_ROWS_EVENTv2}

	events, err := c.decodeRowsEvent(context.Background(), header,
		rowsEvent(
			[]any{int64(1), "Ada"}, []any{int64(1), "Ada L."},
			[]any{int64(2), "Grace"}, []any{int64(2), "Grace H."},
		),
		cdc.BinlogPosition("mysql-bin.000001", 500))
	require.NoError(t, err)
	require.Len(t, events, 2, "update rows arrive as before/after pairs")

	first := events[0]
	require.NoError(t, first.Validate())
	assert.Equal(t, cdc.OpUpdate, first.Operation)

	oldName, _ := first.Before.Get("name")
	newName, _ := first.After.Get("name")
	assert.Equal(t, "Ada", oldName.Str)
	assert.Equal(t, "Ada L.", newName.Str)
}

func TestDecodeDeleteRowsEvent(t *testing.T) {
	c := testMySQLConnector(t)
	header := &replication.EventHeader{EventType: replication.DELETE_ROWS_EVENTv2}

	events, err := c.decodeRowsEvent(context.Background(), header,
		rowsEvent([]any{int64(7), "Ghost"}),
		cdc.BinlogPosition("mysql-bin.000001", 600))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.NoError(t, ev.Validate())
	assert.Equal(t, cdc.OpDelete, ev.Operation)
	assert.Empty(t, ev.After)
	id, _ := ev.Before.Get("id")
	assert.Equal(t, int64(7), id.Int)
}

func TestDecodeColumnCountMismatch(t *testing.T) {
	c := testMySQLConnector(t)
	header := &replication.EventHeader{EventType: replication.WRITE_ROWS_EVENTv2}

	ev := rowsEvent([]any{int64(1), "Ada", "extra"})
	ev.ColumnCount = 3

	_, err := c.decodeRowsEvent(context.Background(), header, ev,
		cdc.BinlogPosition("mysql-bin.000001", 700))
	require.Error(t, err)
	assert.Equal(t, cdc.KindLogDecode, cdc.KindOf(err))
}

func TestClassifyMySQLError(t *testing.T) {
	assert.Equal(t, cdc.KindApplyTransient, classifyMySQLError(&gosqlmysql.MySQLError{Number: myErrDeadlock}))
	assert.Equal(t, cdc.KindApplyTransient, classifyMySQLError(&gosqlmysql.MySQLError{Number: myErrLockWaitTimeout}))
	assert.Equal(t, cdc.KindSchemaDrift, classifyMySQLError(&gosqlmysql.MySQLError{Number: myErrUnknownColumn}))
	assert.Equal(t, cdc.KindApplyPermanent, classifyMySQLError(&gosqlmysql.MySQLError{Number: 1406})) // data too long
}

func TestMySQLIsDuplicateKey(t *testing.T) {
	assert.True(t, mysqlIsDuplicateKey(&gosqlmysql.MySQLError{Number: myErrDupEntry}))
	assert.False(t, mysqlIsDuplicateKey(&gosqlmysql.MySQLError{Number: myErrDeadlock}))
}

func TestNativeToValue(t *testing.T) {
	assert.Equal(t, cdc.KindNull, nativeToValue(nil).Kind)
	assert.Equal(t, int64(5), nativeToValue(int32(5)).Int)
	assert.Equal(t, 2.5, nativeToValue(2.5).Flt)
	assert.Equal(t, "x", nativeToValue("x").Str)
	assert.Equal(t, []byte("b"), nativeToValue([]byte("b")).Bin)
	assert.True(t, nativeToValue(true).Bool)
}

func TestRegistryKnowsBothEngines(t *testing.T) {
	assert.Equal(t, []string{"mysql", "postgresql"}, Engines())

	_, err := New(Options{Endpoint: cfg.EndpointConfiguration{Type: "oracle"}})
	require.Error(t, err)
	assert.Equal(t, cdc.KindConfigInvalid, cdc.KindOf(err))
}
