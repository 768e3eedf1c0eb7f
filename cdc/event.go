package cdc

import (
	"fmt"
	"time"
)

// Operation types for change events
type Operation uint8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
	OpSnapshot
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpSnapshot:
		return "SNAPSHOT"
	}
	return "UNKNOWN"
}

// ChangeEvent is the pipeline's unit of work: one row change with its
// provenance, normalized away from the engine's log format.
//
// Before is populated for UPDATE and DELETE, After for INSERT, UPDATE and
// SNAPSHOT. PrimaryKey is always fully populated. Position is the opaque
// source-log position (LSN for PostgreSQL, file:offset or a GTID set for
// MySQL) and is non-decreasing within one stream.
type ChangeEvent struct {
	Operation  Operation
	Schema     string
	Table      string
	Timestamp  time.Time
	Before     Row
	After      Row
	PrimaryKey Row
	Position   Position
	SourceID   string

	// Origin carries the value of the origin column when the origin-column
	// loop guard is active; empty otherwise.
	Origin string
}

// Validate checks the per-operation shape invariants.
func (e *ChangeEvent) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("change event missing table name")
	}
	if len(e.PrimaryKey) == 0 {
		return fmt.Errorf("change event for %s has no primary key values", e.QualifiedTable())
	}
	switch e.Operation {
	case OpInsert, OpSnapshot:
		if len(e.Before) != 0 {
			return fmt.Errorf("%s event for %s carries a before image", e.Operation, e.QualifiedTable())
		}
		if !e.After.Covers(e.PrimaryKey.Columns()) {
			return fmt.Errorf("%s event for %s after image does not cover primary key", e.Operation, e.QualifiedTable())
		}
	case OpUpdate:
		if !e.Before.Covers(e.PrimaryKey.Columns()) || !e.After.Covers(e.PrimaryKey.Columns()) {
			return fmt.Errorf("UPDATE event for %s images do not cover primary key", e.QualifiedTable())
		}
	case OpDelete:
		if len(e.After) != 0 {
			return fmt.Errorf("DELETE event for %s carries an after image", e.QualifiedTable())
		}
		if !e.Before.Covers(e.PrimaryKey.Columns()) {
			return fmt.Errorf("DELETE event for %s before image does not cover primary key", e.QualifiedTable())
		}
	default:
		return fmt.Errorf("unknown operation %d", e.Operation)
	}
	return nil
}

// QualifiedTable returns schema.table, or just the table when the engine
// has no schema namespace.
func (e *ChangeEvent) QualifiedTable() string {
	if e.Schema == "" {
		return e.Table
	}
	return e.Schema + "." + e.Table
}

// PKChanged reports whether an UPDATE moves the row to a new primary key.
// Such updates are applied as DELETE-old + INSERT-new in one transaction.
func (e *ChangeEvent) PKChanged() bool {
	if e.Operation != OpUpdate {
		return false
	}
	for _, pk := range e.PrimaryKey {
		oldV, okOld := e.Before.Get(pk.Name)
		newV, okNew := e.After.Get(pk.Name)
		if okOld && okNew && !oldV.Equal(newV) {
			return true
		}
	}
	return false
}

// NewPrimaryKey returns the primary key values taken from the after image.
// For a PK-change UPDATE this is the new identity of the row.
func (e *ChangeEvent) NewPrimaryKey() Row {
	out := make(Row, 0, len(e.PrimaryKey))
	for _, pk := range e.PrimaryKey {
		if v, ok := e.After.Get(pk.Name); ok {
			out = append(out, ColumnValue{Name: pk.Name, Value: v})
		}
	}
	return out
}

func (e *ChangeEvent) String() string {
	return fmt.Sprintf("ChangeEvent(op=%s table=%s pk=%v pos=%s src=%s)",
		e.Operation, e.QualifiedTable(), pkString(e.PrimaryKey), e.Position, e.SourceID)
}

func pkString(pk Row) string {
	s := "{"
	for i, cv := range pk {
		if i > 0 {
			s += ", "
		}
		s += cv.Name + "=" + cv.Value.String()
	}
	return s + "}"
}

// StreamName identifies one replication direction. Bidirectional pairs run
// two streams checkpointed independently.
func StreamName(sourceID, targetID string) string {
	return sourceID + "→" + targetID
}
