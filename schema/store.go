package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store persists schema snapshots as immutable JSON blobs under a
// directory, keyed by (endpoint, schema, table). Absence of a blob simply
// triggers a fresh catalog query.
type Store struct {
	dir string
}

// NewStore opens a snapshot store rooted at dir, creating it when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create schema storage directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(endpoint, schemaName, table string) string {
	name := fmt.Sprintf("%s__%s__%s.json", sanitize(endpoint), sanitize(schemaName), sanitize(table))
	return filepath.Join(s.dir, name)
}

// sanitize keeps blob names filesystem-safe
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// Load returns the persisted snapshot, or (nil, nil) when absent.
func (s *Store) Load(endpoint, schemaName, table string) (*TableSchema, error) {
	data, err := os.ReadFile(s.path(endpoint, schemaName, table))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ts TableSchema
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("corrupt schema snapshot for %s.%s: %w", schemaName, table, err)
	}
	return &ts, nil
}

// Save writes a snapshot blob via write-temp-then-rename.
func (s *Store) Save(endpoint string, ts *TableSchema) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return err
	}

	target := s.path(endpoint, ts.Schema, ts.Table)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// Remove deletes a snapshot blob; missing blobs are not an error.
func (s *Store) Remove(endpoint, schemaName, table string) error {
	err := os.Remove(s.path(endpoint, schemaName, table))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
