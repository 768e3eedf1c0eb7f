package conflict

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/sqlbridge/sqlbridge/cdc"
)

const (
	// Cuckoo filter sizing: capacity = bucketSize × numBuckets = 4 × 65536.
	// The window only ever holds a few seconds of recently touched keys,
	// so the filter runs far below capacity.
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 16
	cuckooNumBuckets      = 65536
)

// PKHash produces a stable 64-bit identity for an event's row:
// XXH64(schema.table|pk1=v1|pk2=v2|...). Key order follows the event's
// primary-key order, which itself follows the catalog's key order.
func PKHash(e *cdc.ChangeEvent) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(e.QualifiedTable())
	for _, cv := range e.PrimaryKey {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(cv.Name)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(cv.Value.String())
	}
	return d.Sum64()
}

// Entry records one recently seen change for a row.
type Entry struct {
	Timestamp time.Time
	SourceID  string
	Operation cdc.Operation
	seenAt    time.Time
}

// Window tracks rows touched by each direction within a short TTL.
// An incoming event whose PK appears in the opposite direction's window
// triggers conflict resolution. Under the window's mutex, the cuckoo filter
// answers "definitely not present" before the expiry sweep and the map
// lookup; a filter hit falls through to the authoritative map lookup.
//
// The window is written by the direction that observed the event and read
// by the opposite direction under a short lock.
type Window struct {
	mu     sync.Mutex
	ttl    time.Duration
	filter *cuckoo.Filter
	byDir  map[string]map[uint64]Entry
}

// NewWindow creates a conflict window with the given entry TTL.
// A zero TTL disables conflict detection entirely.
func NewWindow(ttl time.Duration) *Window {
	return &Window{
		ttl:    ttl,
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, cuckooNumBuckets, cuckoo.TableTypePacked),
		byDir:  make(map[string]map[uint64]Entry),
	}
}

func hashBytes(h uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h)
	return buf[:]
}

// Observe records that direction dir carried a change for the event's row.
func (w *Window) Observe(dir string, e *cdc.ChangeEvent) {
	if w.ttl <= 0 {
		return
	}

	h := PKHash(e)
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweepLocked(now)

	m := w.byDir[dir]
	if m == nil {
		m = make(map[uint64]Entry)
		w.byDir[dir] = m
	}
	if _, exists := m[h]; !exists {
		w.filter.Add(hashBytes(h))
	}
	m[h] = Entry{
		Timestamp: e.Timestamp,
		SourceID:  e.SourceID,
		Operation: e.Operation,
		seenAt:    now,
	}
}

// Check looks for a live entry for the event's row in any direction other
// than dir. Returns the entry and true when a conflict candidate exists.
func (w *Window) Check(dir string, e *cdc.ChangeEvent) (Entry, bool) {
	if w.ttl <= 0 {
		return Entry{}, false
	}

	h := PKHash(e)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Fast path: the row was never touched recently by anyone.
	if !w.filter.Contain(hashBytes(h)) {
		return Entry{}, false
	}

	now := time.Now()
	w.sweepLocked(now)

	for other, m := range w.byDir {
		if other == dir {
			continue
		}
		if entry, ok := m[h]; ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// sweepLocked expires entries older than the TTL and removes their
// fingerprints from the filter.
func (w *Window) sweepLocked(now time.Time) {
	cutoff := now.Add(-w.ttl)
	for _, m := range w.byDir {
		for h, entry := range m {
			if entry.seenAt.Before(cutoff) {
				delete(m, h)
				w.filter.Delete(hashBytes(h))
			}
		}
	}
}

// Len returns the number of live entries across all directions.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweepLocked(time.Now())
	n := 0
	for _, m := range w.byDir {
		n += len(m)
	}
	return n
}
