package schema

// Column describes one table column as reported by the engine catalog.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// Index describes a secondary index; kept for completeness of snapshots.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// TableSchema is an immutable snapshot of a table's catalog entry.
// PrimaryKeys preserves the key column order, which is significant for
// composite keys. Instances are never mutated after construction;
// invalidation replaces the snapshot atomically.
type TableSchema struct {
	Schema      string   `json:"schema"`
	Table       string   `json:"table"`
	Columns     []Column `json:"columns"`
	PrimaryKeys []string `json:"primary_keys"`
	Indexes     []Index  `json:"indexes,omitempty"`
}

// Column returns the column definition by name.
func (s *TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table has the named column.
func (s *TableSchema) HasColumn(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// ColumnNames returns all column names in catalog order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (s *TableSchema) IsPrimaryKey(name string) bool {
	for _, pk := range s.PrimaryKeys {
		if pk == name {
			return true
		}
	}
	return false
}
