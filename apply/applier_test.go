package apply

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/schema"
)

type execCall struct {
	query string
	args  []any
	inTx  bool
}

// fakeSession records executed statements and serves scripted results.
type fakeSession struct {
	calls   []execCall
	rows    int64
	errs    []error // consumed one per Exec
	txBegun int
	inTx    bool
}

func (s *fakeSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	s.calls = append(s.calls, execCall{query: query, args: args, inTx: s.inTx})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return s.rows, nil
}

func (s *fakeSession) Transact(ctx context.Context, fn func(Execer) error) error {
	s.txBegun++
	s.inTx = true
	defer func() { s.inTx = false }()
	return fn(s)
}

var errDup = errors.New("duplicate entry")
var errDrift = errors.New("unknown column")
var errPerm = errors.New("constraint violated")

func testClassifier(err error) cdc.Kind {
	switch {
	case errors.Is(err, errDrift):
		return cdc.KindSchemaDrift
	case errors.Is(err, errPerm):
		return cdc.KindApplyPermanent
	}
	return cdc.KindApplyPermanent
}

func newTestEngine(t *testing.T, sess *fakeSession, origin string) (*Engine, *atomic.Int32) {
	t.Helper()

	var loads atomic.Int32
	cache := schema.NewCache(nil)
	cache.RegisterLoader("t", func(ctx context.Context, schemaName, table string) (*schema.TableSchema, error) {
		loads.Add(1)
		return &schema.TableSchema{
			Schema: schemaName,
			Table:  table,
			Columns: []schema.Column{
				{Name: "id", Type: "bigint"},
				{Name: "name", Type: "varchar", Nullable: true},
				{Name: "_origin", Type: "varchar", Nullable: true},
			},
			PrimaryKeys: []string{"id"},
		}, nil
	})

	engine, err := NewEngine(Config{
		Dialect:        "mysql",
		Endpoint:       "t",
		Session:        sess,
		Schemas:        cache,
		Classify:       testClassifier,
		IsDuplicateKey: func(err error) bool { return errors.Is(err, errDup) },
		OriginColumn:   origin,
	})
	require.NoError(t, err)
	return engine, &loads
}

func insertEvent() *cdc.ChangeEvent {
	return &cdc.ChangeEvent{
		Operation: cdc.OpInsert,
		Schema:    "app",
		Table:     "users",
		SourceID:  "a",
		After: cdc.Row{
			{Name: "id", Value: cdc.Int(1)},
			{Name: "name", Value: cdc.String("Ada")},
		},
		PrimaryKey: cdc.Row{{Name: "id", Value: cdc.Int(1)}},
	}
}

func TestApplyInsert(t *testing.T) {
	sess := &fakeSession{rows: 1}
	engine, _ := newTestEngine(t, sess, "")

	require.NoError(t, engine.Apply(context.Background(), insertEvent()))
	require.Len(t, sess.calls, 1)

	call := sess.calls[0]
	assert.Contains(t, call.query, "INSERT INTO")
	assert.Contains(t, call.query, "`app`.`users`")
	assert.Contains(t, call.query, "?")
	assert.NotContains(t, call.query, "Ada", "values must travel as parameters")
	// Columns are sorted, so args are (id, name)
	assert.Equal(t, []any{int64(1), "Ada"}, call.args)
}

func TestApplyInsertDuplicateFallsBackToUpsert(t *testing.T) {
	sess := &fakeSession{rows: 1, errs: []error{errDup}}
	engine, _ := newTestEngine(t, sess, "")

	require.NoError(t, engine.Apply(context.Background(), insertEvent()))
	require.Len(t, sess.calls, 2)
	assert.Contains(t, sess.calls[0].query, "INSERT INTO")
	assert.Contains(t, sess.calls[1].query, "UPDATE")
	assert.Contains(t, sess.calls[1].query, "WHERE")
}

func TestApplyUpdate(t *testing.T) {
	sess := &fakeSession{rows: 1}
	engine, _ := newTestEngine(t, sess, "")

	ev := &cdc.ChangeEvent{
		Operation: cdc.OpUpdate,
		Schema:    "app",
		Table:     "users",
		SourceID:  "a",
		Before: cdc.Row{
			{Name: "id", Value: cdc.Int(1)},
			{Name: "name", Value: cdc.String("Ada")},
		},
		After: cdc.Row{
			{Name: "id", Value: cdc.Int(1)},
			{Name: "name", Value: cdc.String("Ada L.")},
		},
		PrimaryKey: cdc.Row{{Name: "id", Value: cdc.Int(1)}},
	}
	require.NoError(t, engine.Apply(context.Background(), ev))

	call := sess.calls[0]
	assert.Contains(t, call.query, "UPDATE")
	assert.Contains(t, call.query, "SET")
	assert.Contains(t, call.query, "WHERE")
	// Set args (id, name) then PK arg (id)
	assert.Equal(t, []any{int64(1), "Ada L.", int64(1)}, call.args)
}

func TestApplyUpdateMissingRowIsSkip(t *testing.T) {
	sess := &fakeSession{rows: 0}
	engine, _ := newTestEngine(t, sess, "")

	ev := &cdc.ChangeEvent{
		Operation:  cdc.OpUpdate,
		Schema:     "app",
		Table:      "users",
		Before:     cdc.Row{{Name: "id", Value: cdc.Int(9)}},
		After:      cdc.Row{{Name: "id", Value: cdc.Int(9)}, {Name: "name", Value: cdc.String("x")}},
		PrimaryKey: cdc.Row{{Name: "id", Value: cdc.Int(9)}},
	}
	assert.NoError(t, engine.Apply(context.Background(), ev))
}

func TestApplyDeleteMissingRowIsSkip(t *testing.T) {
	sess := &fakeSession{rows: 0}
	engine, _ := newTestEngine(t, sess, "")

	ev := &cdc.ChangeEvent{
		Operation:  cdc.OpDelete,
		Schema:     "app",
		Table:      "users",
		Before:     cdc.Row{{Name: "id", Value: cdc.Int(7)}},
		PrimaryKey: cdc.Row{{Name: "id", Value: cdc.Int(7)}},
	}
	require.NoError(t, engine.Apply(context.Background(), ev))

	call := sess.calls[0]
	assert.Contains(t, call.query, "DELETE `app`.`users` FROM `app`.`users`")
	assert.Equal(t, []any{int64(7)}, call.args)
}

func TestApplyPKChangeRunsInTransaction(t *testing.T) {
	sess := &fakeSession{rows: 1}
	engine, _ := newTestEngine(t, sess, "")

	ev := &cdc.ChangeEvent{
		Operation: cdc.OpUpdate,
		Schema:    "app",
		Table:     "users",
		Before: cdc.Row{
			{Name: "id", Value: cdc.Int(1)},
			{Name: "name", Value: cdc.String("Ada")},
		},
		After: cdc.Row{
			{Name: "id", Value: cdc.Int(2)},
			{Name: "name", Value: cdc.String("Ada")},
		},
		PrimaryKey: cdc.Row{{Name: "id", Value: cdc.Int(1)}},
	}
	require.NoError(t, engine.Apply(context.Background(), ev))

	assert.Equal(t, 1, sess.txBegun)
	require.Len(t, sess.calls, 2)
	assert.Contains(t, sess.calls[0].query, "DELETE `app`.`users` FROM `app`.`users`")
	assert.True(t, sess.calls[0].inTx)
	assert.Equal(t, []any{int64(1)}, sess.calls[0].args, "delete targets the old identity")
	assert.Contains(t, sess.calls[1].query, "INSERT INTO")
	assert.True(t, sess.calls[1].inTx)
}

func TestApplyStampsOriginColumn(t *testing.T) {
	sess := &fakeSession{rows: 1}
	engine, _ := newTestEngine(t, sess, "_origin")

	require.NoError(t, engine.Apply(context.Background(), insertEvent()))

	call := sess.calls[0]
	assert.Contains(t, call.query, "_origin")
	// Sorted columns: _origin, id, name
	assert.Equal(t, []any{"a", int64(1), "Ada"}, call.args)
}

func TestApplyDropsColumnsAbsentAtTarget(t *testing.T) {
	sess := &fakeSession{rows: 1}
	engine, _ := newTestEngine(t, sess, "")

	ev := insertEvent()
	ev.After = append(ev.After, cdc.ColumnValue{Name: "email", Value: cdc.String("ada@example.com")})

	require.NoError(t, engine.Apply(context.Background(), ev))
	call := sess.calls[0]
	assert.NotContains(t, call.query, "email")
	assert.Equal(t, []any{int64(1), "Ada"}, call.args)
}

func TestApplySchemaDriftRetriesOnce(t *testing.T) {
	sess := &fakeSession{rows: 1, errs: []error{errDrift}}
	engine, loads := newTestEngine(t, sess, "")

	require.NoError(t, engine.Apply(context.Background(), insertEvent()))
	assert.Len(t, sess.calls, 2, "drift invalidates the schema and retries once")
	assert.Equal(t, int32(2), loads.Load(), "retry reloads the schema from the catalog")
}

func TestApplyPermanentErrorSurfaces(t *testing.T) {
	sess := &fakeSession{rows: 1, errs: []error{errPerm, errPerm}}
	engine, _ := newTestEngine(t, sess, "")

	err := engine.Apply(context.Background(), insertEvent())
	require.Error(t, err)
	assert.Equal(t, cdc.KindApplyPermanent, cdc.KindOf(err))
}

func TestApplyRejectsInvalidEvent(t *testing.T) {
	sess := &fakeSession{rows: 1}
	engine, _ := newTestEngine(t, sess, "")

	ev := insertEvent()
	ev.PrimaryKey = nil
	err := engine.Apply(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, cdc.KindApplyPermanent, cdc.KindOf(err))
	assert.Empty(t, sess.calls)
}

func TestIdempotentRedelivery(t *testing.T) {
	// Re-delivering an identical committed event must converge to the same
	// row state: the second insert hits the duplicate path and upserts.
	sess := &fakeSession{rows: 1}
	engine, _ := newTestEngine(t, sess, "")

	require.NoError(t, engine.Apply(context.Background(), insertEvent()))

	sess.errs = []error{errDup}
	require.NoError(t, engine.Apply(context.Background(), insertEvent()))

	last := sess.calls[len(sess.calls)-1]
	assert.Contains(t, last.query, "UPDATE")
}
