package cdc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkRow(id int64) Row {
	return Row{{Name: "id", Value: Int(id)}}
}

func TestValidateInsert(t *testing.T) {
	ev := &ChangeEvent{
		Operation:  OpInsert,
		Schema:     "public",
		Table:      "users",
		Timestamp:  time.Now(),
		After:      Row{{Name: "id", Value: Int(1)}, {Name: "name", Value: String("Ada")}},
		PrimaryKey: pkRow(1),
	}
	require.NoError(t, ev.Validate())

	// Insert must not carry a before image
	ev.Before = pkRow(1)
	assert.Error(t, ev.Validate())
}

func TestValidateUpdateCoversPK(t *testing.T) {
	ev := &ChangeEvent{
		Operation:  OpUpdate,
		Table:      "users",
		Before:     Row{{Name: "id", Value: Int(1)}, {Name: "name", Value: String("Ada")}},
		After:      Row{{Name: "id", Value: Int(1)}, {Name: "name", Value: String("Ada L.")}},
		PrimaryKey: pkRow(1),
	}
	require.NoError(t, ev.Validate())

	ev.After = Row{{Name: "name", Value: String("Ada L.")}}
	assert.Error(t, ev.Validate(), "after image must cover the primary key")
}

func TestValidateDelete(t *testing.T) {
	ev := &ChangeEvent{
		Operation:  OpDelete,
		Table:      "users",
		Before:     pkRow(7),
		PrimaryKey: pkRow(7),
	}
	require.NoError(t, ev.Validate())

	ev.After = pkRow(7)
	assert.Error(t, ev.Validate())
}

func TestValidateRequiresPrimaryKey(t *testing.T) {
	ev := &ChangeEvent{
		Operation: OpInsert,
		Table:     "users",
		After:     Row{{Name: "id", Value: Int(1)}},
	}
	assert.Error(t, ev.Validate())
}

func TestPKChanged(t *testing.T) {
	ev := &ChangeEvent{
		Operation:  OpUpdate,
		Table:      "users",
		Before:     Row{{Name: "id", Value: Int(1)}, {Name: "name", Value: String("a")}},
		After:      Row{{Name: "id", Value: Int(2)}, {Name: "name", Value: String("a")}},
		PrimaryKey: pkRow(1),
	}
	assert.True(t, ev.PKChanged())

	newPK := ev.NewPrimaryKey()
	v, ok := newPK.Get("id")
	require.True(t, ok)
	assert.Equal(t, int64(2), v.Int)

	ev.After = ev.After.Set("id", Int(1))
	assert.False(t, ev.PKChanged())

	// Only updates can change the key
	ev.Operation = OpInsert
	assert.False(t, ev.PKChanged())
}

func TestRowAccess(t *testing.T) {
	row := Row{{Name: "a", Value: Int(1)}}
	row = row.Set("b", String("x"))
	row = row.Set("a", Int(2))

	v, ok := row.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), v.Int)

	assert.Equal(t, []string{"a", "b"}, row.Columns())
	assert.True(t, row.Covers([]string{"a"}))
	assert.False(t, row.Covers([]string{"a", "missing"}))
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Int(5).Equal(Int(5)))
	assert.False(t, Int(5).Equal(Int(6)))
	assert.False(t, Int(5).Equal(String("5")))
	assert.True(t, Null().Equal(Null()))
	assert.True(t, Bytes([]byte{1, 2}).Equal(Bytes([]byte{1, 2})))

	now := time.Now()
	assert.True(t, Timestamp(now).Equal(Timestamp(now.UTC())))
}

func TestValueNative(t *testing.T) {
	assert.Nil(t, Null().Native())
	assert.Equal(t, int64(3), Int(3).Native())
	assert.Equal(t, "x", String("x").Native())
	assert.Equal(t, true, Bool(true).Native())
	assert.Equal(t, "12.50", Numeric("12.50").Native())
	assert.Equal(t, `{"a":1}`, JSON([]byte(`{"a":1}`)).Native())
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "a→b", StreamName("a", "b"))
	assert.NotEqual(t, StreamName("a", "b"), StreamName("b", "a"))
}
