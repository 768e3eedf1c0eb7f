package schema

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Loader fetches a table's schema from an engine catalog on cache miss.
type Loader func(ctx context.Context, schemaName, table string) (*TableSchema, error)

// Cache is a read-through schema cache keyed by (endpoint, schema, table).
// Values are immutable snapshots; Invalidate replaces the snapshot
// atomically on the next load. TTL is infinite, invalidation is the only
// refresh trigger (schema-change hint or apply error suggesting drift).
type Cache struct {
	entries *xsync.MapOf[string, *TableSchema]
	loaders *xsync.MapOf[string, Loader]
	store   *Store // optional persisted snapshots
}

// NewCache creates a schema cache. store may be nil to disable persistence.
func NewCache(store *Store) *Cache {
	return &Cache{
		entries: xsync.NewMapOf[string, *TableSchema](),
		loaders: xsync.NewMapOf[string, Loader](),
		store:   store,
	}
}

// RegisterLoader binds a catalog loader for an endpoint. A later
// registration replaces the previous one; every session of an endpoint
// reads the same catalog, so whichever connector registered last serves
// the misses.
func (c *Cache) RegisterLoader(endpoint string, loader Loader) {
	c.loaders.Store(endpoint, loader)
}

func cacheKey(endpoint, schemaName, table string) string {
	return endpoint + "/" + schemaName + "/" + table
}

// Get returns the schema for a table, loading it through the endpoint's
// catalog loader (and the snapshot store, when configured) on miss.
func (c *Cache) Get(ctx context.Context, endpoint, schemaName, table string) (*TableSchema, error) {
	key := cacheKey(endpoint, schemaName, table)
	if ts, ok := c.entries.Load(key); ok {
		return ts, nil
	}

	// Persisted snapshot avoids a catalog round-trip after restart.
	if c.store != nil {
		if ts, err := c.store.Load(endpoint, schemaName, table); err == nil && ts != nil {
			c.entries.Store(key, ts)
			return ts, nil
		}
	}

	loader, ok := c.loaders.Load(endpoint)
	if !ok {
		return nil, fmt.Errorf("no schema loader registered for endpoint %q", endpoint)
	}

	ts, err := loader(ctx, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema for %s.%s from %s: %w", schemaName, table, endpoint, err)
	}

	c.entries.Store(key, ts)
	if c.store != nil {
		if err := c.store.Save(endpoint, ts); err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Failed to persist schema snapshot")
		}
	}

	log.Debug().
		Str("endpoint", endpoint).
		Str("table", schemaName+"."+table).
		Int("columns", len(ts.Columns)).
		Strs("primary_keys", ts.PrimaryKeys).
		Msg("Schema loaded")
	return ts, nil
}

// Invalidate drops a cached snapshot so the next Get reloads from the
// catalog. Called on schema-change hints and schema-drift apply errors.
func (c *Cache) Invalidate(endpoint, schemaName, table string) {
	key := cacheKey(endpoint, schemaName, table)
	c.entries.Delete(key)
	if c.store != nil {
		if err := c.store.Remove(endpoint, schemaName, table); err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Failed to remove persisted schema snapshot")
		}
	}
	log.Debug().Str("endpoint", endpoint).Str("table", schemaName+"."+table).Msg("Schema invalidated")
}

// InvalidateEndpoint drops every cached snapshot for an endpoint.
func (c *Cache) InvalidateEndpoint(endpoint string) {
	prefix := endpoint + "/"
	c.entries.Range(func(key string, _ *TableSchema) bool {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.entries.Delete(key)
		}
		return true
	})
}
