package cdc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/jackc/pglogrepl"
)

// PositionFlavor names the ordering a connector's position strings obey.
// Each connector advertises its flavor so the offset comparator picks the
// right comparison.
type PositionFlavor string

const (
	// FlavorLSN is a PostgreSQL WAL position, "<hex>/<hex>".
	FlavorLSN PositionFlavor = "lsn"
	// FlavorBinlog is a MySQL binlog position, "<file>:<offset>".
	FlavorBinlog PositionFlavor = "binlog"
	// FlavorGTID is a MySQL GTID set. GTID sets are partially ordered by
	// containment rather than totally ordered.
	FlavorGTID PositionFlavor = "gtid"
)

// Position is an opaque source-log position, totally ordered within a
// single stream for the lsn and binlog flavors.
type Position struct {
	Flavor PositionFlavor
	Value  string
}

func (p Position) IsZero() bool   { return p.Value == "" }
func (p Position) String() string { return p.Value }

// LSNPosition wraps a PostgreSQL LSN.
func LSNPosition(lsn pglogrepl.LSN) Position {
	return Position{Flavor: FlavorLSN, Value: lsn.String()}
}

// BinlogPosition wraps a MySQL file:offset pair.
func BinlogPosition(file string, offset uint32) Position {
	return Position{Flavor: FlavorBinlog, Value: fmt.Sprintf("%s:%d", file, offset)}
}

// GTIDPosition wraps a MySQL GTID set.
func GTIDPosition(set string) Position {
	return Position{Flavor: FlavorGTID, Value: set}
}

// LSN parses the position as a PostgreSQL LSN.
func (p Position) LSN() (pglogrepl.LSN, error) {
	if p.Flavor != FlavorLSN {
		return 0, fmt.Errorf("position %q is not an LSN", p.Value)
	}
	return pglogrepl.ParseLSN(p.Value)
}

// Binlog parses the position as a MySQL binlog coordinate.
func (p Position) Binlog() (mysql.Position, error) {
	if p.Flavor != FlavorBinlog {
		return mysql.Position{}, fmt.Errorf("position %q is not a binlog coordinate", p.Value)
	}
	idx := strings.LastIndexByte(p.Value, ':')
	if idx < 0 {
		return mysql.Position{}, fmt.Errorf("malformed binlog position %q", p.Value)
	}
	off, err := strconv.ParseUint(p.Value[idx+1:], 10, 32)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("malformed binlog offset in %q: %w", p.Value, err)
	}
	return mysql.Position{Name: p.Value[:idx], Pos: uint32(off)}, nil
}

// GTIDSet parses the position as a MySQL GTID set.
func (p Position) GTIDSet() (mysql.GTIDSet, error) {
	if p.Flavor != FlavorGTID {
		return nil, fmt.Errorf("position %q is not a GTID set", p.Value)
	}
	return mysql.ParseMysqlGTIDSet(p.Value)
}

// Compare orders two positions of the same flavor. Returns <0, 0, >0.
// A zero position sorts before everything. For the gtid flavor, a set that
// contains the other compares greater; disjoint sets are an error.
func Compare(a, b Position) (int, error) {
	if a.IsZero() || b.IsZero() {
		switch {
		case a.IsZero() && b.IsZero():
			return 0, nil
		case a.IsZero():
			return -1, nil
		default:
			return 1, nil
		}
	}
	if a.Flavor != b.Flavor {
		return 0, fmt.Errorf("cannot compare %s position with %s position", a.Flavor, b.Flavor)
	}

	switch a.Flavor {
	case FlavorLSN:
		la, err := a.LSN()
		if err != nil {
			return 0, err
		}
		lb, err := b.LSN()
		if err != nil {
			return 0, err
		}
		switch {
		case la < lb:
			return -1, nil
		case la > lb:
			return 1, nil
		}
		return 0, nil

	case FlavorBinlog:
		pa, err := a.Binlog()
		if err != nil {
			return 0, err
		}
		pb, err := b.Binlog()
		if err != nil {
			return 0, err
		}
		return pa.Compare(pb), nil

	case FlavorGTID:
		sa, err := a.GTIDSet()
		if err != nil {
			return 0, err
		}
		sb, err := b.GTIDSet()
		if err != nil {
			return 0, err
		}
		if sa.Equal(sb) {
			return 0, nil
		}
		if sa.Contain(sb) {
			return 1, nil
		}
		if sb.Contain(sa) {
			return -1, nil
		}
		return 0, fmt.Errorf("GTID sets %q and %q are not comparable", a.Value, b.Value)
	}
	return 0, fmt.Errorf("unknown position flavor %q", a.Flavor)
}
