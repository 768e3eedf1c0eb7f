package deadletter

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sqlbridge/sqlbridge/cdc"
)

// Key prefixes for Pebble storage
const (
	prefixEntry = "/dlq/" // /dlq/{16-digit-zero-padded-seq}
	keySeq      = "/dlqseq"
)

const defaultReadLimit = 100

// Entry is one poisoned event with enough context to replay it by hand.
type Entry struct {
	Seq       uint64            `msgpack:"seq"`
	Stream    string            `msgpack:"stream"`
	Reason    string            `msgpack:"reason"`
	Operation string            `msgpack:"op"`
	Schema    string            `msgpack:"schema"`
	Table     string            `msgpack:"tbl"`
	Position  string            `msgpack:"pos"`
	SourceID  string            `msgpack:"src"`
	Timestamp time.Time         `msgpack:"ts"`
	Before    map[string]string `msgpack:"before,omitempty"`
	After     map[string]string `msgpack:"after,omitempty"`
}

// Log is a Pebble-backed append-only store for events the pipeline could
// not apply. Payloads are msgpack-encoded and zstd-compressed.
type Log struct {
	db      *pebble.DB
	nextSeq atomic.Uint64
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// Open creates or opens the dead-letter log at path.
func Open(path string) (*Log, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter log at %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{db: db, enc: enc, dec: dec}

	// Recover the sequence counter.
	if val, closer, err := db.Get([]byte(keySeq)); err == nil {
		l.nextSeq.Store(binary.BigEndian.Uint64(val))
		closer.Close()
	} else if err != pebble.ErrNotFound {
		db.Close()
		return nil, fmt.Errorf("failed to read dead-letter sequence: %w", err)
	}

	return l, nil
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", prefixEntry, seq))
}

// Append records a poisoned event with the reason it could not be applied.
func (l *Log) Append(stream string, ev *cdc.ChangeEvent, reason error) (uint64, error) {
	seq := l.nextSeq.Add(1)

	entry := Entry{
		Seq:       seq,
		Stream:    stream,
		Reason:    reason.Error(),
		Operation: ev.Operation.String(),
		Schema:    ev.Schema,
		Table:     ev.Table,
		Position:  ev.Position.String(),
		SourceID:  ev.SourceID,
		Timestamp: ev.Timestamp,
		Before:    rowStrings(ev.Before),
		After:     rowStrings(ev.After),
	}

	raw, err := msgpack.Marshal(&entry)
	if err != nil {
		return 0, err
	}
	compressed := l.enc.EncodeAll(raw, nil)

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(entryKey(seq), compressed, nil); err != nil {
		return 0, err
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := batch.Set([]byte(keySeq), seqBuf[:], nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}

	log.Warn().
		Uint64("seq", seq).
		Str("stream", stream).
		Str("table", ev.QualifiedTable()).
		Str("position", ev.Position.String()).
		Str("reason", entry.Reason).
		Msg("Event written to dead-letter log")
	return seq, nil
}

// ReadFrom returns up to limit entries with sequence numbers > after.
func (l *Log) ReadFrom(after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(after + 1),
		UpperBound: []byte(prefixEntry + "~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		raw, err := l.dec.DecodeAll(iter.Value(), nil)
		if err != nil {
			return nil, fmt.Errorf("corrupt dead-letter entry at %s: %w", iter.Key(), err)
		}
		var entry Entry
		if err := msgpack.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("corrupt dead-letter entry at %s: %w", iter.Key(), err)
		}
		out = append(out, entry)
	}
	return out, iter.Error()
}

// Len returns the total number of entries ever appended.
func (l *Log) Len() uint64 { return l.nextSeq.Load() }

// Close releases the underlying store.
func (l *Log) Close() error {
	l.enc.Close()
	l.dec.Close()
	return l.db.Close()
}

func rowStrings(row cdc.Row) map[string]string {
	if len(row) == 0 {
		return nil
	}
	out := make(map[string]string, len(row))
	for _, cv := range row {
		out[cv.Name] = cv.Value.String()
	}
	return out
}
