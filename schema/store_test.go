package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("a", usersSchema()))

	ts, err := store.Load("a", "public", "users")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, "users", ts.Table)
	assert.Equal(t, []string{"id"}, ts.PrimaryKeys)
	assert.Len(t, ts.Columns, 2)
}

func TestStoreMissingIsNil(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ts, err := store.Load("a", "public", "ghost")
	require.NoError(t, err)
	assert.Nil(t, ts, "absence triggers a fresh catalog query, not an error")
}

func TestStoreRemove(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("a", usersSchema()))
	require.NoError(t, store.Remove("a", "public", "users"))

	ts, err := store.Load("a", "public", "users")
	require.NoError(t, err)
	assert.Nil(t, ts)

	// Removing again is not an error
	assert.NoError(t, store.Remove("a", "public", "users"))
}

func TestStoreKeysAreScoped(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("a", usersSchema()))

	ts, err := store.Load("b", "public", "users")
	require.NoError(t, err)
	assert.Nil(t, ts, "snapshots are keyed per endpoint")
}
