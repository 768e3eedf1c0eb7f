package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/sqlbridge/apply"
	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/schema"
)

func init() {
	Register("postgresql", newPostgresConnector)
}

const standbyStatusInterval = 10 * time.Second

// postgresConnector tails the WAL through a logical replication slot and
// applies peer changes over a regular pgx session.
//
// Loop guard at the wire: the apply session runs with
// session_replication_role='replica' and registers a replication origin
// named sqlbridge_<endpoint id>. The slot is started without an origin
// filter option, so relay writes still reach the stream; the shared echo
// guard drops them.
type postgresConnector struct {
	opts Options

	query  *pgx.Conn      // schema lookups, snapshots, DML apply
	repl   *pgconn.PgConn // replication session
	engine *apply.Engine

	streaming atomic.Bool
	confirmed atomic.Uint64 // last flush LSN acked by the pipeline
}

func newPostgresConnector(opts Options) (Connector, error) {
	return &postgresConnector{opts: opts}, nil
}

func (c *postgresConnector) ID() string     { return c.opts.Endpoint.ID }
func (c *postgresConnector) Engine() string { return "postgresql" }

func (c *postgresConnector) PositionFlavor() cdc.PositionFlavor { return cdc.FlavorLSN }

func (c *postgresConnector) queryDSN() string {
	ep := c.opts.Endpoint
	return fmt.Sprintf("postgres://%s:%s@%s/%s", ep.User, ep.Password, dsnHostPort(ep.Host, ep.Port), ep.Database)
}

func (c *postgresConnector) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, c.queryDSN())
	if err != nil {
		return classifyPGConnErr(err)
	}
	c.query = conn

	repl, err := pgconn.Connect(ctx, c.queryDSN()+"?replication=database")
	if err != nil {
		_ = conn.Close(ctx)
		c.query = nil
		return classifyPGConnErr(err)
	}
	c.repl = repl

	// Mark the apply session so engine-side filtering can distinguish
	// relay writes from user writes.
	if _, err := c.query.Exec(ctx, "SET session_replication_role = 'replica'"); err != nil {
		log.Warn().Err(err).Str("endpoint", c.ID()).Msg("Could not set session_replication_role, relying on echo guard")
	}
	originName := "sqlbridge_" + c.opts.Endpoint.ID
	if _, err := c.query.Exec(ctx,
		"SELECT pg_replication_origin_create($1) WHERE NOT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = $1)",
		originName); err != nil {
		log.Warn().Err(err).Str("origin", originName).Msg("Could not create replication origin")
	} else if _, err := c.query.Exec(ctx, "SELECT pg_replication_origin_session_setup($1)", originName); err != nil {
		log.Warn().Err(err).Str("origin", originName).Msg("Could not attach replication origin to apply session")
	}

	c.opts.Schemas.RegisterLoader(c.ID(), c.loadSchema)

	c.engine, err = apply.NewEngine(apply.Config{
		Dialect:        "postgres",
		Endpoint:       c.ID(),
		Session:        &pgxSession{conn: c.query},
		Schemas:        c.opts.Schemas,
		Classify:       classifyPGError,
		IsDuplicateKey: pgIsDuplicateKey,
		OriginColumn:   c.opts.OriginColumn,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("endpoint", c.ID()).
		Str("host", dsnHostPort(c.opts.Endpoint.Host, c.opts.Endpoint.Port)).
		Msg("Connected to PostgreSQL")
	return nil
}

func (c *postgresConnector) Close(ctx context.Context) error {
	var errs []error
	if c.repl != nil {
		if err := c.repl.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.repl = nil
	}
	if c.query != nil {
		if err := c.query.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.query = nil
	}
	return errors.Join(errs...)
}

func (c *postgresConnector) Ping(ctx context.Context) error {
	if c.query == nil {
		return cdc.Errorf(cdc.KindConnUnreachable, "endpoint %s is not connected", c.ID())
	}
	return c.query.Ping(ctx)
}

// SetupCDC creates the replication slot and the publication when absent,
// verifying parameters when they already exist.
func (c *postgresConnector) SetupCDC(ctx context.Context, tables []string) error {
	var walLevel string
	if err := c.query.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return cdc.WrapErr(cdc.KindCDCPrecondition, err)
	}
	if walLevel != "logical" {
		return cdc.Errorf(cdc.KindCDCPrecondition, "wal_level is %q, logical replication requires 'logical'", walLevel)
	}

	// Catalog-sourced primary keys are required up front; a table without
	// a PK cannot be replicated row-identically.
	for _, table := range tables {
		ts, err := c.TableSchema(ctx, table)
		if err != nil {
			return cdc.WrapErr(cdc.KindCDCPrecondition, err)
		}
		if len(ts.PrimaryKeys) == 0 {
			return cdc.Errorf(cdc.KindCDCPrecondition, "table %s has no primary key", table)
		}
	}

	ep := c.opts.Endpoint
	plugin := ep.Plugin
	if plugin == "" {
		plugin = "pgoutput"
	}

	var existingPlugin string
	err := c.query.QueryRow(ctx,
		"SELECT plugin FROM pg_replication_slots WHERE slot_name = $1", ep.SlotName).Scan(&existingPlugin)
	switch {
	case err == nil:
		if existingPlugin != plugin {
			return cdc.Errorf(cdc.KindCDCPrecondition,
				"replication slot %s uses plugin %q, configured %q", ep.SlotName, existingPlugin, plugin)
		}
		log.Info().Str("slot", ep.SlotName).Msg("Replication slot already exists")
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := pglogrepl.CreateReplicationSlot(ctx, c.repl, ep.SlotName, plugin,
			pglogrepl.CreateReplicationSlotOptions{}); err != nil {
			return cdc.WrapErr(cdc.KindCDCPrecondition, err)
		}
		log.Info().Str("slot", ep.SlotName).Str("plugin", plugin).Msg("Created replication slot")
	default:
		return cdc.WrapErr(cdc.KindCDCPrecondition, err)
	}

	var pubExists bool
	if err := c.query.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", ep.Publication).Scan(&pubExists); err != nil {
		return cdc.WrapErr(cdc.KindCDCPrecondition, err)
	}

	if !pubExists {
		quoted := make([]string, len(tables))
		for i, t := range tables {
			quoted[i] = pgx.Identifier{t}.Sanitize()
		}
		stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
			pgx.Identifier{ep.Publication}.Sanitize(), strings.Join(quoted, ", "))
		if _, err := c.query.Exec(ctx, stmt); err != nil {
			return cdc.WrapErr(cdc.KindCDCPrecondition, err)
		}
		log.Info().Str("publication", ep.Publication).Strs("tables", tables).Msg("Created publication")
		return nil
	}

	// Publication exists: verify it covers every configured table.
	rows, err := c.query.Query(ctx,
		"SELECT tablename FROM pg_publication_tables WHERE pubname = $1", ep.Publication)
	if err != nil {
		return cdc.WrapErr(cdc.KindCDCPrecondition, err)
	}
	published := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return cdc.WrapErr(cdc.KindCDCPrecondition, err)
		}
		published[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cdc.WrapErr(cdc.KindCDCPrecondition, err)
	}

	for _, t := range tables {
		if !published[t] {
			return cdc.Errorf(cdc.KindCDCPrecondition,
				"publication %s exists but does not cover table %s", ep.Publication, t)
		}
	}
	log.Info().Str("publication", ep.Publication).Msg("Publication already exists")
	return nil
}

// StartStreaming opens the slot and decodes messages onto out until ctx is
// cancelled. Standby status updates carry the last confirmed flush LSN;
// this both advances the slot and bounds WAL retention.
func (c *postgresConnector) StartStreaming(ctx context.Context, start cdc.Position, out chan<- *cdc.ChangeEvent) error {
	if c.streaming.Swap(true) {
		return cdc.Errorf(cdc.KindConnProtocol, "connector %s is already streaming", c.ID())
	}

	ep := c.opts.Endpoint
	plugin := ep.Plugin
	if plugin == "" {
		plugin = "pgoutput"
	}

	var startLSN pglogrepl.LSN
	if !start.IsZero() {
		lsn, err := start.LSN()
		if err != nil {
			return cdc.WrapErr(cdc.KindLogDecode, err)
		}
		startLSN = lsn
	} else {
		ident, err := pglogrepl.IdentifySystem(ctx, c.repl)
		if err != nil {
			return classifyPGConnErr(err)
		}
		startLSN = ident.XLogPos
	}
	c.confirmed.Store(uint64(startLSN))

	var pluginArgs []string
	switch plugin {
	case "pgoutput":
		pluginArgs = []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", ep.Publication),
		}
	case "wal2json":
		pluginArgs = []string{
			`"format-version" '2'`,
			`"include-timestamp" 'true'`,
		}
	}

	if err := pglogrepl.StartReplication(ctx, c.repl, ep.SlotName, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return classifyPGConnErr(err)
	}

	log.Info().
		Str("endpoint", c.ID()).
		Str("slot", ep.SlotName).
		Str("plugin", plugin).
		Str("start_lsn", startLSN.String()).
		Msg("Started WAL streaming")

	decoder := newPGDecoder(c, plugin)
	nextStatusDeadline := time.Now().Add(standbyStatusInterval)

	for {
		if time.Now().After(nextStatusDeadline) {
			if err := c.sendStandbyStatus(ctx); err != nil {
				return err
			}
			nextStatusDeadline = time.Now().Add(standbyStatusInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatusDeadline)
		rawMsg, err := c.repl.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown: one final status so the slot does not lag.
				_ = c.sendStandbyStatus(context.Background())
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return classifyPGConnErr(err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return cdc.Errorf(cdc.KindLogDecode, "server error during replication: %s (%s)", msg.Message, msg.Code)

		case *pgproto3.CopyData:
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return cdc.WrapErr(cdc.KindLogDecode, err)
				}
				if ka.ReplyRequested {
					if err := c.sendStandbyStatus(ctx); err != nil {
						return err
					}
					nextStatusDeadline = time.Now().Add(standbyStatusInterval)
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return cdc.WrapErr(cdc.KindLogDecode, err)
				}
				events, err := decoder.Decode(ctx, xld)
				if err != nil {
					return err
				}
				for _, ev := range events {
					select {
					case out <- ev:
					case <-ctx.Done():
						_ = c.sendStandbyStatus(context.Background())
						return nil
					}
				}
			}
		}
	}
}

// sendStandbyStatus reports the confirmed flush position to the server.
// The flush LSN only ever carries positions the pipeline has confirmed,
// i.e. applied at the target and recorded in the offset store.
func (c *postgresConnector) sendStandbyStatus(ctx context.Context) error {
	lsn := pglogrepl.LSN(c.confirmed.Load())
	err := pglogrepl.SendStandbyStatusUpdate(ctx, c.repl, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
	if err != nil {
		return classifyPGConnErr(err)
	}
	return nil
}

// ConfirmPosition records the durable position; the streaming loop sends
// it on the next standby status update. The replication session is owned
// by the reader, so the confirmation travels through an atomic instead of
// a second writer on the socket.
func (c *postgresConnector) ConfirmPosition(ctx context.Context, pos cdc.Position) error {
	lsn, err := pos.LSN()
	if err != nil {
		return err
	}
	for {
		cur := c.confirmed.Load()
		if uint64(lsn) <= cur {
			return nil
		}
		if c.confirmed.CompareAndSwap(cur, uint64(lsn)) {
			return nil
		}
	}
}

func (c *postgresConnector) CurrentPosition(ctx context.Context) (cdc.Position, error) {
	var lsn string
	if err := c.query.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&lsn); err != nil {
		return cdc.Position{}, classifyPGConnErr(err)
	}
	return cdc.Position{Flavor: cdc.FlavorLSN, Value: lsn}, nil
}

func (c *postgresConnector) TableSchema(ctx context.Context, table string) (*schema.TableSchema, error) {
	return c.opts.Schemas.Get(ctx, c.ID(), "public", table)
}

func (c *postgresConnector) ApplyChange(ctx context.Context, e *cdc.ChangeEvent) error {
	return c.engine.Apply(ctx, e)
}

// Snapshot streams the table's current rows as SNAPSHOT events carrying
// the server's position at snapshot start.
func (c *postgresConnector) Snapshot(ctx context.Context, table string, out chan<- *cdc.ChangeEvent) error {
	ts, err := c.TableSchema(ctx, table)
	if err != nil {
		return err
	}
	pos, err := c.CurrentPosition(ctx)
	if err != nil {
		return err
	}

	rows, err := c.query.Query(ctx, fmt.Sprintf("SELECT * FROM %s",
		pgx.Identifier{ts.Schema, ts.Table}.Sanitize()))
	if err != nil {
		return classifyPGConnErr(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f.Name)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return cdc.WrapErr(cdc.KindLogDecode, err)
		}
		after := rowFromPairs(names, values)
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
func (c *postgresConnector) loadSchema(ctx context.Context, schemaName, table string) (*schema.TableSchema, error) {
	if schemaName == "" {
		schemaName = "public"
	}

	rows, err := c.query.Query(ctx, `
		SELECT column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schemaName, table)
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

	pkRows, err := c.query.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = ($1 || '.' || $2)::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`,
		pgx.Identifier{schemaName}.Sanitize(), pgx.Identifier{table}.Sanitize())
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

// pgxSession adapts a pgx connection to the apply engine's session.
type pgxSession struct {
	conn *pgx.Conn
}

func (s *pgxSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgxSession) Transact(ctx context.Context, fn func(apply.Execer) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(&pgxTxExecer{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

type pgxTxExecer struct {
	tx pgx.Tx
}

func (e *pgxTxExecer) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := e.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// classifyPGConnErr maps connection-path errors onto the taxonomy.
func classifyPGConnErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "28P01" || pgErr.Code == "28000":
			return cdc.WrapErr(cdc.KindConnAuth, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return cdc.WrapErr(cdc.KindConnUnreachable, err)
		case pgErr.Code == "0A000":
			return cdc.WrapErr(cdc.KindConnProtocol, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return cdc.WrapErr(cdc.KindConnUnreachable, err)
	}
	return cdc.WrapErr(cdc.KindConnUnreachable, err)
}

// classifyPGError maps apply-path SQLSTATEs onto the taxonomy.
func classifyPGError(err error) cdc.Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return cdc.KindApplyTransient
		case "42703", "42P01":
			return cdc.KindSchemaDrift
		}
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return cdc.KindApplyTransient
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "42"):
			return cdc.KindApplyPermanent
		}
		return cdc.KindApplyPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return cdc.KindApplyTransient
	}
	return cdc.KindUnknown
}

func pgIsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
