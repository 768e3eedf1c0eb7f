package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobFilterEmptyMatchesAll(t *testing.T) {
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("users"))
	assert.True(t, filter.Match(""))
}

func TestGlobFilterExactMatch(t *testing.T) {
	filter, err := NewGlobFilter([]string{"users", "orders"})
	require.NoError(t, err)

	assert.True(t, filter.Match("users"))
	assert.True(t, filter.Match("orders"))
	assert.False(t, filter.Match("products"))
}

func TestGlobFilterWildcard(t *testing.T) {
	filter, err := NewGlobFilter([]string{"user*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("users"))
	assert.True(t, filter.Match("user_accounts"))
	assert.False(t, filter.Match("orders"))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[invalid"})
	assert.Error(t, err)
}
