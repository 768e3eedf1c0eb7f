package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbridge/sqlbridge/cdc"
)

func eventAt(source string, ts time.Time) *cdc.ChangeEvent {
	return &cdc.ChangeEvent{
		Operation:  cdc.OpUpdate,
		Table:      "users",
		Timestamp:  ts,
		SourceID:   source,
		Before:     cdc.Row{{Name: "id", Value: cdc.Int(1)}},
		After:      cdc.Row{{Name: "id", Value: cdc.Int(1)}},
		PrimaryKey: cdc.Row{{Name: "id", Value: cdc.Int(1)}},
	}
}

func TestLastWriteWins(t *testing.T) {
	r := NewResolver(LastWriteWins, "")
	t0 := time.Unix(100, 0)
	t1 := time.Unix(101, 0)

	// Newer incoming event wins
	assert.True(t, r.IncomingWins(eventAt("b", t1), Entry{Timestamp: t0, SourceID: "a"}))

	// Older incoming event loses
	assert.False(t, r.IncomingWins(eventAt("a", t0), Entry{Timestamp: t1, SourceID: "b"}))
}

func TestLastWriteWinsTieBreak(t *testing.T) {
	r := NewResolver(LastWriteWins, "")
	ts := time.Unix(100, 0)

	// Ties break deterministically on the greater source id, so both
	// directions agree on the winner.
	assert.True(t, r.IncomingWins(eventAt("b", ts), Entry{Timestamp: ts, SourceID: "a"}))
	assert.False(t, r.IncomingWins(eventAt("a", ts), Entry{Timestamp: ts, SourceID: "b"}))
}

func TestPriorityWins(t *testing.T) {
	r := NewResolver(PriorityWins, "a")
	t0 := time.Unix(100, 0)
	t1 := time.Unix(101, 0)

	// Priority beats time
	assert.True(t, r.IncomingWins(eventAt("a", t0), Entry{Timestamp: t1, SourceID: "b"}))
	assert.False(t, r.IncomingWins(eventAt("b", t1), Entry{Timestamp: t0, SourceID: "a"}))
}

func TestParseStrategy(t *testing.T) {
	r, err := ParseStrategy("last_write_wins", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, r.strategy)

	r, err = ParseStrategy("source_priority", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "a", r.priorityID)

	r, err = ParseStrategy("target_priority", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "b", r.priorityID)

	_, err = ParseStrategy("coin_flip", "a", "b")
	assert.Error(t, err)
}
