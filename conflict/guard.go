package conflict

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
)

// OriginColumnName is the column stamped by the apply engine when the
// origin-column loop guard is active.
const OriginColumnName = "_origin"

// applyKey identifies an apply for echo matching: the row identity plus
// the operation that was performed.
func applyKey(pkHash uint64, op uint8) uint64 {
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], pkHash)
	buf[8] = op
	return xxhash.Sum64(buf[:])
}

// Guard prevents changes applied by the relay from re-entering the
// opposite pipeline. On MySQL, sql_log_bin=0 on the apply session keeps
// relay writes out of the binlog where privileges allow; on PostgreSQL the
// apply session is only marked (session_replication_role plus a replication
// origin) and its writes still reach the slot. The guard catches what
// reaches the stream by remembering what the relay itself applied to each
// endpoint within a TTL.
//
// One Guard instance is shared by both directions of a bidirectional pair.
type Guard struct {
	mu      sync.Mutex
	ttl     time.Duration
	filter  *cuckoo.Filter
	applied map[string]map[uint64]time.Time // endpoint -> applyKey -> deadline
}

// NewGuard creates an echo guard whose memory spans ttl.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Guard{
		ttl:     ttl,
		filter:  cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, cuckooNumBuckets, cuckoo.TableTypePacked),
		applied: make(map[string]map[uint64]time.Time),
	}
}

// NoteApplied records that the relay applied op for the row at endpoint.
func (g *Guard) NoteApplied(endpoint string, pkHash uint64, op uint8) {
	key := applyKey(pkHash, op)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	m := g.applied[endpoint]
	if m == nil {
		m = make(map[uint64]time.Time)
		g.applied[endpoint] = m
	}
	if _, exists := m[key]; !exists {
		g.filter.Add(hashBytes(key))
	}
	m[key] = now.Add(g.ttl)
}

// IsEcho reports whether an event captured at endpoint matches a recent
// relay apply. A match consumes the record so one apply suppresses exactly
// one echo.
func (g *Guard) IsEcho(endpoint string, pkHash uint64, op uint8) bool {
	key := applyKey(pkHash, op)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.filter.Contain(hashBytes(key)) {
		return false
	}

	m := g.applied[endpoint]
	if m == nil {
		return false
	}
	deadline, ok := m[key]
	if !ok {
		return false
	}
	delete(m, key)
	g.filter.Delete(hashBytes(key))
	return time.Now().Before(deadline)
}

func (g *Guard) sweepLocked(now time.Time) {
	for _, m := range g.applied {
		for key, deadline := range m {
			if now.After(deadline) {
				delete(m, key)
				g.filter.Delete(hashBytes(key))
			}
		}
	}
}
