package schema

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersSchema() *TableSchema {
	return &TableSchema{
		Schema: "public",
		Table:  "users",
		Columns: []Column{
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "text", Nullable: true},
		},
		PrimaryKeys: []string{"id"},
	}
}

func TestReadThrough(t *testing.T) {
	var loads atomic.Int32
	cache := NewCache(nil)
	cache.RegisterLoader("a", func(ctx context.Context, schemaName, table string) (*TableSchema, error) {
		loads.Add(1)
		return usersSchema(), nil
	})

	ctx := context.Background()
	ts, err := cache.Get(ctx, "a", "public", "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, ts.PrimaryKeys)

	_, err = cache.Get(ctx, "a", "public", "users")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load(), "second hit must be served from cache")
}

func TestInvalidateForcesReload(t *testing.T) {
	var loads atomic.Int32
	cache := NewCache(nil)
	cache.RegisterLoader("a", func(ctx context.Context, schemaName, table string) (*TableSchema, error) {
		loads.Add(1)
		return usersSchema(), nil
	})

	ctx := context.Background()
	_, err := cache.Get(ctx, "a", "public", "users")
	require.NoError(t, err)

	cache.Invalidate("a", "public", "users")

	_, err = cache.Get(ctx, "a", "public", "users")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestMissingLoader(t *testing.T) {
	cache := NewCache(nil)
	_, err := cache.Get(context.Background(), "ghost", "public", "users")
	assert.Error(t, err)
}

func TestPersistedSnapshotAvoidsCatalog(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("a", usersSchema()))

	cache := NewCache(store)
	var loads atomic.Int32
	cache.RegisterLoader("a", func(ctx context.Context, schemaName, table string) (*TableSchema, error) {
		loads.Add(1)
		return usersSchema(), nil
	})

	ts, err := cache.Get(context.Background(), "a", "public", "users")
	require.NoError(t, err)
	assert.Equal(t, "users", ts.Table)
	assert.Zero(t, loads.Load(), "persisted snapshot should satisfy the miss")
}

func TestInvalidateEndpoint(t *testing.T) {
	cache := NewCache(nil)
	var loads atomic.Int32
	loader := func(ctx context.Context, schemaName, table string) (*TableSchema, error) {
		loads.Add(1)
		return usersSchema(), nil
	}
	cache.RegisterLoader("a", loader)
	cache.RegisterLoader("b", loader)

	ctx := context.Background()
	_, _ = cache.Get(ctx, "a", "public", "users")
	_, _ = cache.Get(ctx, "b", "public", "users")

	cache.InvalidateEndpoint("a")

	_, _ = cache.Get(ctx, "b", "public", "users")
	assert.Equal(t, int32(2), loads.Load(), "endpoint b must stay cached")

	_, _ = cache.Get(ctx, "a", "public", "users")
	assert.Equal(t, int32(3), loads.Load())
}

func TestSchemaAccessors(t *testing.T) {
	ts := usersSchema()
	assert.True(t, ts.HasColumn("name"))
	assert.False(t, ts.HasColumn("email"))
	assert.True(t, ts.IsPrimaryKey("id"))
	assert.False(t, ts.IsPrimaryKey("name"))
	assert.Equal(t, []string{"id", "name"}, ts.ColumnNames())
}
