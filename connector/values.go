package connector

import (
	"fmt"
	"time"

	"github.com/sqlbridge/sqlbridge/cdc"
)

// nativeToValue converts a driver-native Go value into the typed value
// model. Used by snapshot reads and by decoders whose library already
// yields Go types (wal2json, binlog rows).
func nativeToValue(v any) cdc.Value {
	switch t := v.(type) {
	case nil:
		return cdc.Null()
	case bool:
		return cdc.Bool(t)
	case int:
		return cdc.Int(int64(t))
	case int8:
		return cdc.Int(int64(t))
	case int16:
		return cdc.Int(int64(t))
	case int32:
		return cdc.Int(int64(t))
	case int64:
		return cdc.Int(t)
	case uint8:
		return cdc.Int(int64(t))
	case uint16:
		return cdc.Int(int64(t))
	case uint32:
		return cdc.Int(int64(t))
	case uint64:
		return cdc.Int(int64(t))
	case float32:
		return cdc.Float(float64(t))
	case float64:
		return cdc.Float(t)
	case string:
		return cdc.String(t)
	case []byte:
		return cdc.Bytes(append([]byte(nil), t...))
	case time.Time:
		return cdc.Timestamp(t)
	default:
		return cdc.String(fmt.Sprintf("%v", t))
	}
}

// rowFromPairs builds a Row from parallel column-name and value slices.
func rowFromPairs(names []string, values []any) cdc.Row {
	row := make(cdc.Row, 0, len(names))
	for i, name := range names {
		var v any
		if i < len(values) {
			v = values[i]
		}
		row = append(row, cdc.ColumnValue{Name: name, Value: nativeToValue(v)})
	}
	return row
}

// pkFromRow extracts the primary-key columns out of a row image in key
// order. Returns an error when a key column is missing from the image.
func pkFromRow(img cdc.Row, pkCols []string) (cdc.Row, error) {
	pk := make(cdc.Row, 0, len(pkCols))
	for _, name := range pkCols {
		v, ok := img.Get(name)
		if !ok {
			return nil, fmt.Errorf("primary key column %q missing from row image", name)
		}
		pk = append(pk, cdc.ColumnValue{Name: name, Value: v})
	}
	return pk, nil
}
