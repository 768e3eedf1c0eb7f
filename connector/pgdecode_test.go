package connector

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/cfg"
	"github.com/sqlbridge/sqlbridge/schema"
)

func testPGConnector(t *testing.T) *postgresConnector {
	t.Helper()

	cache := schema.NewCache(nil)
	cache.RegisterLoader("a", func(ctx context.Context, schemaName, table string) (*schema.TableSchema, error) {
		return &schema.TableSchema{
			Schema: schemaName,
			Table:  table,
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "name", Type: "text", Nullable: true},
			},
			PrimaryKeys: []string{"id"},
		}, nil
	})

	return &postgresConnector{opts: Options{
		Endpoint: cfg.EndpointConfiguration{ID: "a", Type: cfg.EndpointPostgreSQL},
		Schemas:  cache,
	}}
}

func usersRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   16385,
		Namespace:    "public",
		RelationName: "users",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id", DataType: oidInt4},
			{Flags: 0, Name: "name", DataType: 25},
		},
	}
}

func textTuple(values ...string) *pglogrepl.TupleData {
	cols := make([]*pglogrepl.TupleDataColumn, len(values))
	for i, v := range values {
		cols[i] = &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(v)}
	}
	return &pglogrepl.TupleData{ColumnNum: uint16(len(cols)), Columns: cols}
}

func TestTupleToRow(t *testing.T) {
	d := newPGDecoder(testPGConnector(t), "pgoutput")
	rel := usersRelation()

	row, err := d.tupleToRow(rel, textTuple("42", "Ada"))
	require.NoError(t, err)
	require.Len(t, row, 2)

	id, _ := row.Get("id")
	assert.Equal(t, cdc.KindInt, id.Kind)
	assert.Equal(t, int64(42), id.Int)

	name, _ := row.Get("name")
	assert.Equal(t, "Ada", name.Str)
}

func TestTupleToRowNullAndToast(t *testing.T) {
	d := newPGDecoder(testPGConnector(t), "pgoutput")
	rel := usersRelation()

	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
		{DataType: pglogrepl.TupleDataTypeNull},
	}}
	row, err := d.tupleToRow(rel, tuple)
	require.NoError(t, err)

	name, ok := row.Get("name")
	require.True(t, ok)
	assert.True(t, name.IsNull())

	// Unchanged TOAST columns are omitted so the target column is untouched
	tuple.Columns[1].DataType = pglogrepl.TupleDataTypeToast
	row, err = d.tupleToRow(rel, tuple)
	require.NoError(t, err)
	_, ok = row.Get("name")
	assert.False(t, ok)
}

func TestBuildEventUpdateWithoutOldTuple(t *testing.T) {
	d := newPGDecoder(testPGConnector(t), "pgoutput")
	rel := usersRelation()
	d.relations[rel.RelationID] = rel
	d.commitTS = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	after, err := d.tupleToRow(rel, textTuple("1", "Ada L."))
	require.NoError(t, err)
	before := keyColumns(rel, after)

	events, err := d.buildEvent(context.Background(), rel, cdc.OpUpdate, before, after, pglogrepl.LSN(0x1A2B))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.NoError(t, ev.Validate())
	assert.Equal(t, cdc.OpUpdate, ev.Operation)
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "users", ev.Table)
	assert.Equal(t, d.commitTS, ev.Timestamp)
	assert.Equal(t, cdc.FlavorLSN, ev.Position.Flavor)
	assert.Equal(t, "a", ev.SourceID)

	// Without REPLICA IDENTITY FULL, before is restricted to key columns
	assert.Len(t, ev.Before, 1)
	id, _ := ev.PrimaryKey.Get("id")
	assert.Equal(t, int64(1), id.Int)
}

func TestBuildEventFallsBackToCatalogPK(t *testing.T) {
	d := newPGDecoder(testPGConnector(t), "pgoutput")
	rel := usersRelation()
	rel.Columns[0].Flags = 0 // no replica identity marker on the wire

	after, err := d.tupleToRow(rel, textTuple("7", "Grace"))
	require.NoError(t, err)

	events, err := d.buildEvent(context.Background(), rel, cdc.OpInsert, nil, after, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	id, ok := events[0].PrimaryKey.Get("id")
	require.True(t, ok, "primary key must come from the catalog when the wire has no marker")
	assert.Equal(t, int64(7), id.Int)
}

func TestDecodeTextColumn(t *testing.T) {
	tests := []struct {
		name string
		oid  uint32
		text string
		want cdc.Value
	}{
		{"bool true", oidBool, "t", cdc.Bool(true)},
		{"bool false", oidBool, "f", cdc.Bool(false)},
		{"int", oidInt8, "9001", cdc.Int(9001)},
		{"float", oidFloat8, "2.5", cdc.Float(2.5)},
		{"numeric keeps precision", oidNumeric, "12345.678900", cdc.Numeric("12345.678900")},
		{"bytea", oidBytea, `\x4142`, cdc.Bytes([]byte("AB"))},
		{"json", oidJSONB, `{"a":1}`, cdc.JSON([]byte(`{"a":1}`))},
		{"text", 25, "hello", cdc.String("hello")},
		{"unparsable int falls back to text", oidInt4, "NaN", cdc.String("NaN")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, decodeTextColumn(tt.oid, tt.text).Equal(tt.want))
		})
	}
}

func TestDecodeTimestampColumn(t *testing.T) {
	v := decodeTextColumn(oidTimestamptz, "2025-06-01 12:30:45.123456+00")
	require.Equal(t, cdc.KindTimestamp, v.Kind)
	assert.Equal(t, 2025, v.Time.Year())
	assert.Equal(t, 30, v.Time.Minute())
}

func TestDecodeWal2JSONUpdate(t *testing.T) {
	d := newPGDecoder(testPGConnector(t), "wal2json")

	payload := `{
		"action": "U",
		"schema": "public",
		"table": "users",
		"timestamp": "2025-06-01 12:00:00.000000+00",
		"columns": [
			{"name": "id", "type": "integer", "value": 1},
			{"name": "name", "type": "text", "value": "Ada L."}
		],
		"identity": [
			{"name": "id", "type": "integer", "value": 1}
		]
	}`

	events, err := d.Decode(context.Background(), pglogrepl.XLogData{
		WALStart: pglogrepl.LSN(0x10),
		WALData:  []byte(payload),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.NoError(t, ev.Validate())
	assert.Equal(t, cdc.OpUpdate, ev.Operation)
	name, _ := ev.After.Get("name")
	assert.Equal(t, "Ada L.", name.Str)
	assert.Equal(t, 2025, ev.Timestamp.Year())
}

func TestDecodeWal2JSONSkipsTransactionMarkers(t *testing.T) {
	d := newPGDecoder(testPGConnector(t), "wal2json")

	for _, action := range []string{"B", "C"} {
		events, err := d.Decode(context.Background(), pglogrepl.XLogData{
			WALData: []byte(`{"action": "` + action + `"}`),
		})
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}

func TestDecodeWal2JSONMalformed(t *testing.T) {
	d := newPGDecoder(testPGConnector(t), "wal2json")

	_, err := d.Decode(context.Background(), pglogrepl.XLogData{WALData: []byte("not json")})
	require.Error(t, err)
	assert.Equal(t, cdc.KindLogDecode, cdc.KindOf(err))
}

func TestFillOrigin(t *testing.T) {
	ev := &cdc.ChangeEvent{
		After: cdc.Row{
			{Name: "id", Value: cdc.Int(1)},
			{Name: "_origin", Value: cdc.String("b")},
		},
	}
	fillOrigin(ev, "_origin")
	assert.Equal(t, "b", ev.Origin)

	ev2 := &cdc.ChangeEvent{After: cdc.Row{{Name: "id", Value: cdc.Int(1)}}}
	fillOrigin(ev2, "_origin")
	assert.Empty(t, ev2.Origin)

	ev3 := &cdc.ChangeEvent{After: cdc.Row{{Name: "_origin", Value: cdc.String("b")}}}
	fillOrigin(ev3, "")
	assert.Empty(t, ev3.Origin, "inactive guard must not read the column")
}
