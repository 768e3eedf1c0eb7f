package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	gosqlmysql "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/sqlbridge/apply"
	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/schema"
)

func init() {
	Register("mysql", newMySQLConnector)
}

// MySQL server error numbers the classifier cares about
const (
	myErrDupEntry        = 1062
	myErrLockWaitTimeout = 1205
	myErrDeadlock        = 1213
	myErrUnknownColumn   = 1054
	myErrNoSuchTable     = 1146
	myErrAccessDenied    = 1045
	myErrDBAccessDenied  = 1044
)

// mysqlConnector tails the row-based binary log as a replica and applies
// peer changes over a database/sql session.
//
// Loop guard at the wire: the apply session runs SET SESSION sql_log_bin=0
// where privileges allow, so relay writes never enter the binlog. Binlog
// events whose header carries the peer tailer's server_id are chained
// replication echoes and are dropped before decoding. The shared echo
// guard covers deployments where neither marker is available.
type mysqlConnector struct {
	opts Options

	query  *sql.DB
	syncer *replication.BinlogSyncer
	engine *apply.Engine

	streaming   atomic.Bool
	gtidEnabled bool
	binlogOff   bool // true when sql_log_bin=0 took effect on the apply session
}

func newMySQLConnector(opts Options) (Connector, error) {
	return &mysqlConnector{opts: opts}, nil
}

func (c *mysqlConnector) ID() string     { return c.opts.Endpoint.ID }
func (c *mysqlConnector) Engine() string { return "mysql" }

func (c *mysqlConnector) PositionFlavor() cdc.PositionFlavor {
	if c.gtidEnabled {
		return cdc.FlavorGTID
	}
	return cdc.FlavorBinlog
}

func (c *mysqlConnector) Connect(ctx context.Context) error {
	ep := c.opts.Endpoint
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=UTC",
		ep.User, ep.Password, dsnHostPort(ep.Host, ep.Port), ep.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return cdc.WrapErr(cdc.KindConnUnreachable, err)
	}
	// One apply session per target; a single idle conn keeps the
	// session-level loop-guard marker attached to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return classifyMySQLConnErr(err)
	}
	c.query = db

	if _, err := db.ExecContext(ctx, "SET SESSION sql_log_bin = 0"); err != nil {
		log.Warn().Err(err).Str("endpoint", c.ID()).
			Msg("Could not disable binlog on apply session (needs SUPER), relying on echo guard")
	} else {
		c.binlogOff = true
	}

	var gtidMode string
	if err := db.QueryRowContext(ctx, "SELECT @@gtid_mode").Scan(&gtidMode); err == nil {
		c.gtidEnabled = gtidMode == "ON"
	}

	c.opts.Schemas.RegisterLoader(c.ID(), c.loadSchema)

	c.engine, err = apply.NewEngine(apply.Config{
		Dialect:        "mysql",
		Endpoint:       c.ID(),
		Session:        &sqlSession{db: db},
		Schemas:        c.opts.Schemas,
		Classify:       classifyMySQLError,
		IsDuplicateKey: mysqlIsDuplicateKey,
		OriginColumn:   c.opts.OriginColumn,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("endpoint", c.ID()).
		Str("host", dsnHostPort(ep.Host, ep.Port)).
		Bool("gtid", c.gtidEnabled).
		Bool("binlog_suppressed", c.binlogOff).
		Msg("Connected to MySQL")
	return nil
}

func (c *mysqlConnector) Close(ctx context.Context) error {
	if c.syncer != nil {
		c.syncer.Close()
		c.syncer = nil
	}
	if c.query != nil {
		err := c.query.Close()
		c.query = nil
		return err
	}
	return nil
}

func (c *mysqlConnector) Ping(ctx context.Context) error {
	if c.query == nil {
		return cdc.Errorf(cdc.KindConnUnreachable, "endpoint %s is not connected", c.ID())
	}
	return c.query.PingContext(ctx)
}

// SetupCDC verifies the binlog configuration. MySQL needs no server-side
// objects, but a non-ROW binlog cannot be decoded row-identically.
func (c *mysqlConnector) SetupCDC(ctx context.Context, tables []string) error {
	var name, value string

	if err := c.query.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'log_bin'").Scan(&name, &value); err != nil {
		return cdc.WrapErr(cdc.KindCDCPrecondition, err)
	}
	if value != "ON" {
		return cdc.Errorf(cdc.KindCDCPrecondition,
			"binary logging is disabled; set log_bin=ON, binlog_format=ROW, binlog_row_image=FULL")
	}

	if err := c.query.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'binlog_format'").Scan(&name, &value); err != nil {
		return cdc.WrapErr(cdc.KindCDCPrecondition, err)
	}
	if value != "ROW" {
		return cdc.Errorf(cdc.KindCDCPrecondition, "binlog_format is %s, row-based replication requires ROW", value)
	}

	if err := c.query.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'binlog_row_image'").Scan(&name, &value); err == nil {
		if value != "FULL" {
			log.Warn().Str("binlog_row_image", value).
				Msg("binlog_row_image FULL is recommended; partial images restrict before values to the primary key")
		}
	}

	for _, table := range tables {
		ts, err := c.TableSchema(ctx, table)
		if err != nil {
			return cdc.WrapErr(cdc.KindCDCPrecondition, err)
		}
		if len(ts.PrimaryKeys) == 0 {
			return cdc.Errorf(cdc.KindCDCPrecondition, "table %s has no primary key", table)
		}
	}

	log.Info().Str("endpoint", c.ID()).Int("tables", len(tables)).Msg("Binlog preconditions verified")
	return nil
}

// StartStreaming subscribes as a replica with the endpoint's server_id and
// decodes row events onto out until ctx is cancelled.
func (c *mysqlConnector) StartStreaming(ctx context.Context, start cdc.Position, out chan<- *cdc.ChangeEvent) error {
	if c.streaming.Swap(true) {
		return cdc.Errorf(cdc.KindConnProtocol, "connector %s is already streaming", c.ID())
	}

	ep := c.opts.Endpoint
	c.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:  ep.ServerID,
		Flavor:    "mysql",
		Host:      ep.Host,
		Port:      uint16(ep.Port),
		User:      ep.User,
		Password:  ep.Password,
		ParseTime: true,
	})

	var (
		streamer *replication.BinlogStreamer
		err      error
		file     string
		gset     mysql.GTIDSet
	)

	if start.IsZero() {
		start, err = c.CurrentPosition(ctx)
		if err != nil {
			return err
		}
	}

	switch start.Flavor {
	case cdc.FlavorGTID:
		gset, err = start.GTIDSet()
		if err != nil {
			return cdc.WrapErr(cdc.KindLogDecode, err)
		}
		streamer, err = c.syncer.StartSyncGTID(gset)
	case cdc.FlavorBinlog:
		var pos mysql.Position
		pos, err = start.Binlog()
		if err != nil {
			return cdc.WrapErr(cdc.KindLogDecode, err)
		}
		file = pos.Name
		streamer, err = c.syncer.StartSync(pos)
	default:
		return cdc.Errorf(cdc.KindLogDecode, "unsupported start position flavor %q", start.Flavor)
	}
	if err != nil {
		return classifyMySQLConnErr(err)
	}

	log.Info().
		Str("endpoint", c.ID()).
		Uint32("server_id", ep.ServerID).
		Str("start", start.String()).
		Msg("Started binlog streaming")

	for {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classifyMySQLConnErr(err)
		}

		switch e := ev.Event.(type) {
		case *replication.RotateEvent:
			file = string(e.NextLogName)
			continue

		case *replication.GTIDEvent:
			if gset != nil {
				sid := e.SID
				gtid := fmt.Sprintf("%x-%x-%x-%x-%x:%d", sid[0:4], sid[4:6], sid[6:8], sid[8:10], sid[10:16], e.GNO)
				if uerr := gset.Update(gtid); uerr != nil {
					log.Warn().Err(uerr).Str("gtid", gtid).Msg("Failed to advance GTID set")
				}
			}
			continue

		case *replication.RowsEvent:
			// Events stamped with the peer tailer's reserved server_id are
			// replication echoes in chained setups.
			if c.opts.PeerServerID != 0 && ev.Header.ServerID == c.opts.PeerServerID {
				continue
			}
			if string(e.Table.Schema) != ep.Database {
				continue
			}

			var pos cdc.Position
			if gset != nil {
				pos = cdc.GTIDPosition(gset.String())
			} else {
				pos = cdc.BinlogPosition(file, ev.Header.LogPos)
			}

			events, err := c.decodeRowsEvent(ctx, ev.Header, e, pos)
			if err != nil {
				return err
			}
			for _, event := range events {
				select {
				case out <- event:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// decodeRowsEvent maps binlog row images onto change events. The binlog
// carries values by ordinal only; column names come from the catalog.
func (c *mysqlConnector) decodeRowsEvent(ctx context.Context, header *replication.EventHeader,
	e *replication.RowsEvent, pos cdc.Position) ([]*cdc.ChangeEvent, error) {

	table := string(e.Table.Table)
	schemaName := string(e.Table.Schema)

	ts, err := c.opts.Schemas.Get(ctx, c.ID(), schemaName, table)
	if err != nil {
		return nil, cdc.WrapErr(cdc.KindLogDecode, err)
	}
	if int(e.ColumnCount) != len(ts.Columns) {
		// Column count drifted from the cached catalog snapshot; refresh
		// once before declaring the event undecodable.
		c.opts.Schemas.Invalidate(c.ID(), schemaName, table)
		ts, err = c.opts.Schemas.Get(ctx, c.ID(), schemaName, table)
		if err != nil {
			return nil, cdc.WrapErr(cdc.KindLogDecode, err)
		}
		if int(e.ColumnCount) != len(ts.Columns) {
			return nil, cdc.Errorf(cdc.KindLogDecode,
				"table %s.%s: binlog carries %d columns, catalog has %d",
				schemaName, table, e.ColumnCount, len(ts.Columns))
		}
	}
	names := ts.ColumnNames()

	var op cdc.Operation
	switch header.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		op = cdc.OpInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		op = cdc.OpUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		op = cdc.OpDelete
	default:
		return nil, nil
	}

	eventTime := time.Unix(int64(header.Timestamp), 0).UTC()
	var events []*cdc.ChangeEvent

	emit := func(before, after cdc.Row) error {
		identity := before
		if op == cdc.OpInsert {
			identity = after
		}
		pk, err := pkFromRow(identity, ts.PrimaryKeys)
		if err != nil {
			return cdc.WrapErr(cdc.KindLogDecode, err)
		}
		ev := &cdc.ChangeEvent{
			Operation:  op,
			Schema:     schemaName,
			Table:      table,
			Timestamp:  eventTime,
			Before:     before,
			After:      after,
			PrimaryKey: pk,
			Position:   pos,
			SourceID:   c.ID(),
		}
		fillOrigin(ev, c.opts.OriginColumn)
		events = append(events, ev)
		return nil
	}

	switch op {
	case cdc.OpUpdate:
		// Update rows arrive as (before, after) pairs.
		for i := 0; i+1 < len(e.Rows); i += 2 {
			if err := emit(rowFromPairs(names, e.Rows[i]), rowFromPairs(names, e.Rows[i+1])); err != nil {
				return nil, err
			}
		}
	case cdc.OpInsert:
		for _, row := range e.Rows {
			if err := emit(nil, rowFromPairs(names, row)); err != nil {
				return nil, err
			}
		}
	case cdc.OpDelete:
		for _, row := range e.Rows {
			if err := emit(rowFromPairs(names, row), nil); err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

// ConfirmPosition is a no-op: the connector keeps no resume pointer of its
// own. MySQL replication is pull-based, so there is no feedback message to
// send; the resume position after a restart is the one in the offset store.
func (c *mysqlConnector) ConfirmPosition(ctx context.Context, pos cdc.Position) error {
	return nil
}

func (c *mysqlConnector) CurrentPosition(ctx context.Context) (cdc.Position, error) {
	if c.gtidEnabled {
		var gset string
		if err := c.query.QueryRowContext(ctx, "SELECT @@global.gtid_executed").Scan(&gset); err != nil {
			return cdc.Position{}, classifyMySQLConnErr(err)
		}
		return cdc.GTIDPosition(gset), nil
	}

	var file string
	var offset uint32
	var ignored any
	row := c.query.QueryRowContext(ctx, "SHOW MASTER STATUS")
	if err := row.Scan(&file, &offset, &ignored, &ignored, &ignored); err != nil {
		return cdc.Position{}, classifyMySQLConnErr(err)
	}
	return cdc.BinlogPosition(file, offset), nil
}

func (c *mysqlConnector) TableSchema(ctx context.Context, table string) (*schema.TableSchema, error) {
	return c.opts.Schemas.Get(ctx, c.ID(), c.opts.Endpoint.Database, table)
}

func (c *mysqlConnector) ApplyChange(ctx context.Context, e *cdc.ChangeEvent) error {
	return c.engine.Apply(ctx, e)
}

// Snapshot streams the table's current rows as SNAPSHOT events.
func (c *mysqlConnector) Snapshot(ctx context.Context, table string, out chan<- *cdc.ChangeEvent) error {
	ts, err := c.TableSchema(ctx, table)
	if err != nil {
		return err
	}
	pos, err := c.CurrentPosition(ctx)
	if err != nil {
		return err
	}

	rows, err := c.query.QueryContext(ctx, fmt.Sprintf("SELECT * FROM `%s`.`%s`", ts.Schema, ts.Table))
	if err != nil {
		return classifyMySQLConnErr(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return cdc.WrapErr(cdc.KindLogDecode, err)
	}

	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return cdc.WrapErr(cdc.KindLogDecode, err)
		}

		after := rowFromPairs(cols, raw)
		pk, err := pkFromRow(after, ts.PrimaryKeys)
		if err != nil {
			return cdc.WrapErr(cdc.KindLogDecode, err)
		}
		ev := &cdc.ChangeEvent{
			Operation:  cdc.OpSnapshot,
			Schema:     ts.Schema,
			Table:      ts.Table,
			Timestamp:  time.Now().UTC(),
			After:      after,
			PrimaryKey: pk,
			Position:   pos,
			SourceID:   c.ID(),
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rows.Err()
}

// loadSchema is the catalog loader registered with the schema cache.
func (c *mysqlConnector) loadSchema(ctx context.Context, schemaName, table string) (*schema.TableSchema, error) {
	if schemaName == "" {
		schemaName = c.opts.Endpoint.Database
	}

	rows, err := c.query.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COALESCE(COLUMN_DEFAULT, '')
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, schemaName, table)
	if err != nil {
		return nil, err
	}

	ts := &schema.TableSchema{Schema: schemaName, Table: table}
	for rows.Next() {
		var col schema.Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Default); err != nil {
			rows.Close()
			return nil, err
		}
		col.Nullable = nullable == "YES"
		ts.Columns = append(ts.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schemaName, table)
	}

	pkRows, err := c.query.QueryContext(ctx, `
		SELECT COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, schemaName, table)
	if err != nil {
		return nil, err
	}
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			pkRows.Close()
			return nil, err
		}
		ts.PrimaryKeys = append(ts.PrimaryKeys, name)
	}
	pkRows.Close()
	if err := pkRows.Err(); err != nil {
		return nil, err
	}

	return ts, nil
}

// sqlSession adapts database/sql to the apply engine's session.
type sqlSession struct {
	db *sql.DB
}

func (s *sqlSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlSession) Transact(ctx context.Context, fn func(apply.Execer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqlTxExecer{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlTxExecer struct {
	tx *sql.Tx
}

func (e *sqlTxExecer) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// classifyMySQLConnErr maps connection-path errors onto the taxonomy.
func classifyMySQLConnErr(err error) error {
	if err == nil {
		return nil
	}
	var myErr *gosqlmysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case myErrAccessDenied, myErrDBAccessDenied:
			return cdc.WrapErr(cdc.KindConnAuth, err)
		}
	}
	return cdc.WrapErr(cdc.KindConnUnreachable, err)
}

// classifyMySQLError maps apply-path server errors onto the taxonomy.
func classifyMySQLError(err error) cdc.Kind {
	var myErr *gosqlmysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case myErrDeadlock, myErrLockWaitTimeout:
			return cdc.KindApplyTransient
		case myErrUnknownColumn:
			return cdc.KindSchemaDrift
		}
		return cdc.KindApplyPermanent
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, gosqlmysql.ErrInvalidConn) {
		return cdc.KindApplyTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return cdc.KindApplyTransient
	}
	return cdc.KindUnknown
}

func mysqlIsDuplicateKey(err error) bool {
	var myErr *gosqlmysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == myErrDupEntry
}
