package apply

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/schema"
	"github.com/sqlbridge/sqlbridge/telemetry"

	// SQL dialects used by the two engine connectors
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

const stmtCacheSize = 512

// Execer runs one parameterized statement and reports rows affected.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Session is a target query session. Transact runs fn inside a single
// target transaction; the transaction either commits or rolls back before
// Transact returns, never remaining open across a cancellation.
type Session interface {
	Execer
	Transact(ctx context.Context, fn func(Execer) error) error
}

// Classifier maps a driver error to the pipeline taxonomy: returns
// KindApplyTransient, KindApplyPermanent, or KindSchemaDrift.
type Classifier func(error) cdc.Kind

// Config assembles an Engine for one target endpoint.
type Config struct {
	Dialect  string // goqu dialect name: "postgres" or "mysql"
	Endpoint string // target endpoint id, used for schema cache keys
	Session  Session
	Schemas  *schema.Cache
	Classify Classifier
	// IsDuplicateKey recognizes a primary-key unique violation, which is
	// the expected at-least-once redelivery signal rather than an error.
	IsDuplicateKey func(error) bool
	// OriginColumn, when non-empty, is stamped with the event's source id
	// on every INSERT/UPDATE image (origin-column loop guard).
	OriginColumn string
}

// Engine translates change events into parameterized SQL against one
// target session. Statement text is cached per (table, op, column-set);
// values always travel as positional parameters.
type Engine struct {
	cfg     Config
	dialect goqu.DialectWrapper
	stmts   *lru.Cache[string, string]
}

// NewEngine creates an apply engine for a target endpoint.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("apply engine requires a session")
	}
	if cfg.Schemas == nil {
		return nil, fmt.Errorf("apply engine requires a schema cache")
	}
	if cfg.Classify == nil {
		return nil, fmt.Errorf("apply engine requires an error classifier")
	}

	cache, err := lru.New[string, string](stmtCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		dialect: goqu.Dialect(cfg.Dialect),
		stmts:   cache,
	}, nil
}

// Apply executes one event against the target. Schema-drift errors
// invalidate the cached schema and retry exactly once; every returned
// error is tagged with its kind.
func (e *Engine) Apply(ctx context.Context, ev *cdc.ChangeEvent) error {
	start := time.Now()
	err := e.applyOnce(ctx, ev)
	if err != nil && cdc.IsSchemaDrift(err) {
		log.Warn().
			Str("table", ev.QualifiedTable()).
			Err(err).
			Msg("Schema drift detected, refreshing schema and retrying")
		e.cfg.Schemas.Invalidate(e.cfg.Endpoint, ev.Schema, ev.Table)
		e.stmts.Purge()
		err = e.applyOnce(ctx, ev)
	}
	if err == nil {
		telemetry.ApplyDurationSeconds.With(ev.Operation.String()).Observe(time.Since(start).Seconds())
	}
	return err
}

func (e *Engine) applyOnce(ctx context.Context, ev *cdc.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return cdc.WrapErr(cdc.KindApplyPermanent, err)
	}

	ts, err := e.cfg.Schemas.Get(ctx, e.cfg.Endpoint, ev.Schema, ev.Table)
	if err != nil {
		return cdc.WrapErr(cdc.KindApplyTransient, err)
	}

	switch ev.Operation {
	case cdc.OpInsert, cdc.OpSnapshot:
		return e.applyInsert(ctx, ev, ts)
	case cdc.OpUpdate:
		if ev.PKChanged() {
			return e.applyPKChange(ctx, ev, ts)
		}
		return e.applyUpdate(ctx, e.cfg.Session, ev, ts)
	case cdc.OpDelete:
		return e.applyDelete(ctx, e.cfg.Session, ev, ts)
	}
	return cdc.Errorf(cdc.KindApplyPermanent, "unsupported operation %d", ev.Operation)
}

// applyInsert inserts the after image. A duplicate-key violation on the
// primary key falls back to an idempotent UPDATE by PK: the standard
// at-least-once recovery path after a crash re-delivers committed events.
func (e *Engine) applyInsert(ctx context.Context, ev *cdc.ChangeEvent, ts *schema.TableSchema) error {
	record, cols := e.imageRecord(ev, ev.After, ts)
	if len(cols) == 0 {
		return cdc.Errorf(cdc.KindApplyPermanent, "insert into %s has no columns present at target", ev.QualifiedTable())
	}

	query, err := e.insertSQL(ev, cols)
	if err != nil {
		return cdc.WrapErr(cdc.KindApplyPermanent, err)
	}

	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = record[c]
	}

	_, err = e.cfg.Session.Exec(ctx, query, args...)
	if err == nil {
		return nil
	}
	if e.cfg.IsDuplicateKey != nil && e.cfg.IsDuplicateKey(err) {
		log.Debug().
			Str("table", ev.QualifiedTable()).
			Str("position", ev.Position.String()).
			Msg("Duplicate primary key on insert, falling back to upsert")
		upd := *ev
		upd.Operation = cdc.OpUpdate
		upd.Before = ev.PrimaryKey
		return e.applyUpdate(ctx, e.cfg.Session, &upd, ts)
	}
	return e.classified(err)
}

// applyUpdate updates by the old primary key. A missing target row is a
// skip, not an error, under at-least-once delivery.
func (e *Engine) applyUpdate(ctx context.Context, sess Execer, ev *cdc.ChangeEvent, ts *schema.TableSchema) error {
	record, cols := e.imageRecord(ev, ev.After, ts)
	if len(cols) == 0 {
		return cdc.Errorf(cdc.KindApplyPermanent, "update of %s has no columns present at target", ev.QualifiedTable())
	}

	pkEx, pkCols, err := pkWhere(ev.PrimaryKey, ts)
	if err != nil {
		return cdc.WrapErr(cdc.KindApplyPermanent, err)
	}

	query, err := e.updateSQL(ev, cols, pkCols)
	if err != nil {
		return cdc.WrapErr(cdc.KindApplyPermanent, err)
	}

	args := make([]any, 0, len(cols)+len(pkCols))
	for _, c := range cols {
		args = append(args, record[c])
	}
	for _, c := range pkCols {
		args = append(args, pkEx[c])
	}

	n, err := sess.Exec(ctx, query, args...)
	if err != nil {
		return e.classified(err)
	}
	if n == 0 {
		log.Debug().
			Str("table", ev.QualifiedTable()).
			Str("position", ev.Position.String()).
			Msg("Update matched no target row, skipping")
	}
	return nil
}

// applyDelete deletes by primary key; a missing row is logged and ignored.
func (e *Engine) applyDelete(ctx context.Context, sess Execer, ev *cdc.ChangeEvent, ts *schema.TableSchema) error {
	pkEx, pkCols, err := pkWhere(ev.PrimaryKey, ts)
	if err != nil {
		return cdc.WrapErr(cdc.KindApplyPermanent, err)
	}

	query, err := e.deleteSQL(ev, pkCols)
	if err != nil {
		return cdc.WrapErr(cdc.KindApplyPermanent, err)
	}

	args := make([]any, len(pkCols))
	for i, c := range pkCols {
		args[i] = pkEx[c]
	}

	n, err := sess.Exec(ctx, query, args...)
	if err != nil {
		return e.classified(err)
	}
	if n == 0 {
		log.Debug().
			Str("table", ev.QualifiedTable()).
			Str("position", ev.Position.String()).
			Msg("Delete matched no target row, skipping")
	}
	return nil
}

// applyPKChange executes a primary-key-changing UPDATE as DELETE-old plus
// INSERT-new inside a single target transaction.
func (e *Engine) applyPKChange(ctx context.Context, ev *cdc.ChangeEvent, ts *schema.TableSchema) error {
	del := *ev
	del.Operation = cdc.OpDelete
	del.After = nil

	ins := *ev
	ins.Operation = cdc.OpInsert
	ins.Before = nil
	ins.PrimaryKey = ev.NewPrimaryKey()

	err := e.cfg.Session.Transact(ctx, func(tx Execer) error {
		if err := e.applyDelete(ctx, tx, &del, ts); err != nil {
			return err
		}

		record, cols := e.imageRecord(&ins, ins.After, ts)
		query, err := e.insertSQL(&ins, cols)
		if err != nil {
			return cdc.WrapErr(cdc.KindApplyPermanent, err)
		}
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = record[c]
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return e.classified(err)
		}
		return nil
	})
	if err != nil && cdc.KindOf(err) == cdc.KindUnknown {
		return e.classified(err)
	}
	return err
}

// imageRecord converts a row image to driver values, restricted to the
// columns that exist at the target, and stamps the origin column when the
// origin-column loop guard is active. Returns the record and the sorted
// column list used for deterministic statement text.
func (e *Engine) imageRecord(ev *cdc.ChangeEvent, img cdc.Row, ts *schema.TableSchema) (map[string]any, []string) {
	record := make(map[string]any, len(img)+1)
	for _, cv := range img {
		if !ts.HasColumn(cv.Name) {
			log.Debug().
				Str("table", ev.QualifiedTable()).
				Str("column", cv.Name).
				Msg("Column absent at target, dropping from image")
			continue
		}
		record[cv.Name] = cv.Value.Native()
	}
	if e.cfg.OriginColumn != "" && ts.HasColumn(e.cfg.OriginColumn) {
		record[e.cfg.OriginColumn] = ev.SourceID
	}

	cols := make([]string, 0, len(record))
	for c := range record {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return record, cols
}

// pkWhere builds the primary-key equality map with sorted column order.
func pkWhere(pk cdc.Row, ts *schema.TableSchema) (map[string]any, []string, error) {
	ex := make(map[string]any, len(pk))
	for _, cv := range pk {
		if !ts.HasColumn(cv.Name) {
			return nil, nil, fmt.Errorf("primary key column %s missing at target", cv.Name)
		}
		ex[cv.Name] = cv.Value.Native()
	}
	cols := make([]string, 0, len(ex))
	for c := range ex {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return ex, cols, nil
}

func (e *Engine) table(ev *cdc.ChangeEvent) any {
	if ev.Schema == "" {
		return goqu.T(ev.Table)
	}
	return goqu.S(ev.Schema).Table(ev.Table)
}

func stmtKey(op, table string, cols ...[]string) string {
	var b strings.Builder
	b.WriteString(op)
	b.WriteString("|")
	b.WriteString(table)
	for _, set := range cols {
		b.WriteString("|")
		b.WriteString(strings.Join(set, ","))
	}
	return b.String()
}

// insertSQL builds (or fetches) the INSERT statement text for a column set.
// goqu sorts record columns alphabetically, matching the sorted arg order.
func (e *Engine) insertSQL(ev *cdc.ChangeEvent, cols []string) (string, error) {
	key := stmtKey("I", ev.QualifiedTable(), cols)
	if q, ok := e.stmts.Get(key); ok {
		return q, nil
	}

	// Placeholder values never reach the wire: prepared mode emits the same
	// statement text for any bound value, and args are rebuilt per event in
	// the same sorted column order goqu uses.
	record := goqu.Record{}
	for _, c := range cols {
		record[c] = 0
	}
	query, _, err := e.dialect.Insert(e.table(ev)).Prepared(true).Rows(record).ToSQL()
	if err != nil {
		return "", err
	}
	e.stmts.Add(key, query)
	return query, nil
}

func (e *Engine) updateSQL(ev *cdc.ChangeEvent, setCols, pkCols []string) (string, error) {
	key := stmtKey("U", ev.QualifiedTable(), setCols, pkCols)
	if q, ok := e.stmts.Get(key); ok {
		return q, nil
	}

	record := goqu.Record{}
	for _, c := range setCols {
		record[c] = 0
	}
	where := goqu.Ex{}
	for _, c := range pkCols {
		where[c] = 0
	}
	query, _, err := e.dialect.Update(e.table(ev)).Prepared(true).Set(record).Where(where).ToSQL()
	if err != nil {
		return "", err
	}
	e.stmts.Add(key, query)
	return query, nil
}

func (e *Engine) deleteSQL(ev *cdc.ChangeEvent, pkCols []string) (string, error) {
	key := stmtKey("D", ev.QualifiedTable(), pkCols)
	if q, ok := e.stmts.Get(key); ok {
		return q, nil
	}

	where := goqu.Ex{}
	for _, c := range pkCols {
		where[c] = 0
	}
	query, _, err := e.dialect.Delete(e.table(ev)).Prepared(true).Where(where).ToSQL()
	if err != nil {
		return "", err
	}
	e.stmts.Add(key, query)
	return query, nil
}

// classified tags a driver error with its taxonomy kind.
func (e *Engine) classified(err error) error {
	if err == nil {
		return nil
	}
	kind := e.cfg.Classify(err)
	if kind == cdc.KindUnknown {
		kind = cdc.KindApplyPermanent
	}
	return cdc.WrapErr(kind, err)
}
