package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/cfg"
	"github.com/sqlbridge/sqlbridge/conflict"
	"github.com/sqlbridge/sqlbridge/schema"
)

// Connector is the capability set a database engine plugin provides.
//
// A connector owns up to two sessions: a query session for schema lookups,
// snapshots, and DML apply, and a replication session for log streaming.
// The pipeline orchestrator exclusively owns each connector instance.
type Connector interface {
	// ID returns the endpoint's stable identifier.
	ID() string

	// Engine returns the engine tag ("postgresql" or "mysql").
	Engine() string

	// Connect opens the underlying sessions. Failures are tagged
	// CONN_AUTH, CONN_UNREACHABLE, or CONN_PROTOCOL_UNSUPPORTED.
	Connect(ctx context.Context) error

	// Close releases all sessions. Safe to call on a partially connected
	// instance.
	Close(ctx context.Context) error

	// Ping verifies the query session is healthy.
	Ping(ctx context.Context) error

	// SetupCDC ensures the engine-side replication objects exist for the
	// given tables. Idempotent: existing objects are verified and reused;
	// a parameter mismatch fails with CDC_PRECONDITION.
	SetupCDC(ctx context.Context, tables []string) error

	// StartStreaming decodes the engine's log into events on out, starting
	// after start (or the server's current position when start is zero).
	// It blocks until ctx is cancelled or a fatal error occurs, and is not
	// restartable on the same connector instance.
	StartStreaming(ctx context.Context, start cdc.Position, out chan<- *cdc.ChangeEvent) error

	// Snapshot streams the current rows of a table as SNAPSHOT events.
	Snapshot(ctx context.Context, table string, out chan<- *cdc.ChangeEvent) error

	// TableSchema returns the table's schema through the shared cache.
	TableSchema(ctx context.Context, table string) (*schema.TableSchema, error)

	// ApplyChange applies one event through the apply engine on the query
	// session. Errors are tagged APPLY_TRANSIENT, APPLY_PERMANENT, or
	// SCHEMA_DRIFT.
	ApplyChange(ctx context.Context, e *cdc.ChangeEvent) error

	// CurrentPosition reports the server's current log position.
	CurrentPosition(ctx context.Context) (cdc.Position, error)

	// ConfirmPosition informs the source that events up to pos are durable
	// at the target. Must only be called after the target commit and the
	// offset flush both succeeded.
	ConfirmPosition(ctx context.Context, pos cdc.Position) error

	// PositionFlavor advertises the ordering of this connector's position
	// strings so the offset comparator picks the right comparison.
	PositionFlavor() cdc.PositionFlavor
}

// Options carries the collaborators a connector needs at construction.
// The configuration value is passed explicitly; connectors hold no global
// settings.
type Options struct {
	Endpoint cfg.EndpointConfiguration
	Schemas  *schema.Cache

	// Guard suppresses echoes of relay applies; shared by both directions.
	Guard *conflict.Guard

	// OriginColumn is non-empty when the origin-column loop guard is
	// configured; the apply engine stamps it and the capture side filters
	// on it.
	OriginColumn string

	// PeerServerID is the MySQL server_id of the peer endpoint's tailer.
	// Binlog events carrying it are replication echoes and are dropped.
	PeerServerID uint32
}

// Factory builds a connector for an engine tag.
type Factory func(opts Options) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register binds an engine tag to a connector factory. Called from the
// engine implementations' init functions.
func Register(engine string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[engine] = factory
}

// New creates a connector for the endpoint's engine type.
func New(opts Options) (Connector, error) {
	registryMu.RLock()
	factory, ok := registry[string(opts.Endpoint.Type)]
	registryMu.RUnlock()

	if !ok {
		return nil, cdc.Errorf(cdc.KindConfigInvalid,
			"unsupported database type %q, available: %v", opts.Endpoint.Type, Engines())
	}
	return factory(opts)
}

// Engines lists the registered engine tags.
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// dsnHostPort formats a host:port pair for connection strings.
func dsnHostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
