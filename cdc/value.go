package cdc

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind enumerates the value kinds a column can carry on the wire.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindBytes
	KindBool
	KindTimestamp
	KindNumeric // arbitrary-precision decimal, kept as string
	KindJSON    // raw JSON document
)

// Value is a typed column value decoded from an engine's log format.
// Exactly one payload field is meaningful for a given Kind.
type Value struct {
	Kind ValueKind
	Int  int64
	Flt  float64
	Str  string
	Bin  []byte
	Bool bool
	Time time.Time
}

func Null() Value                 { return Value{Kind: KindNull} }
func Int(v int64) Value           { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value       { return Value{Kind: KindFloat, Flt: v} }
func String(v string) Value       { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value        { return Value{Kind: KindBytes, Bin: v} }
func Bool(v bool) Value           { return Value{Kind: KindBool, Bool: v} }
func Timestamp(v time.Time) Value { return Value{Kind: KindTimestamp, Time: v.UTC()} }
func Numeric(v string) Value      { return Value{Kind: KindNumeric, Str: v} }
func JSON(v []byte) Value         { return Value{Kind: KindJSON, Bin: v} }

// IsNull reports whether the value is the SQL NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Native returns the value as a driver-compatible Go type for use as a
// positional statement parameter.
func (v Value) Native() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Flt
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bin
	case KindBool:
		return v.Bool
	case KindTimestamp:
		return v.Time
	case KindNumeric:
		return v.Str
	case KindJSON:
		return string(v.Bin)
	default:
		return nil
	}
}

// Equal compares two values for row-state equivalence.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Flt == o.Flt
	case KindString, KindNumeric:
		return v.Str == o.Str
	case KindBytes, KindJSON:
		return string(v.Bin) == string(o.Bin)
	case KindBool:
		return v.Bool == o.Bool
	case KindTimestamp:
		return v.Time.Equal(o.Time)
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Flt)
	case KindString, KindNumeric:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("0x%x", v.Bin)
	case KindJSON:
		return string(v.Bin)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	}
	return "?"
}

// MarshalJSON renders the value for schema snapshots and the dead-letter log.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// ColumnValue pairs a column name with its typed value. Rows are ordered
// lists of these pairs; order follows the table's column order where the
// source provides it.
type ColumnValue struct {
	Name  string
	Value Value
}

// Row is an ordered set of column values with map-style access.
type Row []ColumnValue

// Get returns the value for a column and whether it is present.
func (r Row) Get(name string) (Value, bool) {
	for _, cv := range r {
		if cv.Name == name {
			return cv.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value for a column, appending when absent.
func (r Row) Set(name string, v Value) Row {
	for i, cv := range r {
		if cv.Name == name {
			r[i].Value = v
			return r
		}
	}
	return append(r, ColumnValue{Name: name, Value: v})
}

// Columns returns the column names in row order.
func (r Row) Columns() []string {
	names := make([]string, len(r))
	for i, cv := range r {
		names[i] = cv.Name
	}
	return names
}

// Covers reports whether every column in names is present in the row.
func (r Row) Covers(names []string) bool {
	for _, n := range names {
		if _, ok := r.Get(n); !ok {
			return false
		}
	}
	return true
}
