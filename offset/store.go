package offset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/sqlbridge/cdc"
)

const offsetFileName = "offsets.json"

// Record is one persisted stream position. The persisted position is
// always one that has been applied and flushed at the target, never merely
// received.
type Record struct {
	Position  string             `json:"position"`
	Flavor    cdc.PositionFlavor `json:"flavor"`
	Timestamp time.Time          `json:"timestamp"`
}

// Store is a durable stream→position map backed by a single JSON file.
// Writes go through write-temp-then-rename with an fsync, so a crash can
// never produce a torn record. One task per stream calls Put.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]Record
}

// Open loads the offset file under dir, creating the directory as needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, cdc.WrapErr(cdc.KindOffsetIO, fmt.Errorf("failed to create offset directory: %w", err))
	}

	s := &Store{
		path:    filepath.Join(dir, offsetFileName),
		records: make(map[string]Record),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, cdc.WrapErr(cdc.KindOffsetIO, fmt.Errorf("failed to read offset file: %w", err))
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, cdc.WrapErr(cdc.KindOffsetIO, fmt.Errorf("corrupt offset file %s: %w", s.path, err))
	}

	log.Info().Int("streams", len(s.records)).Str("path", s.path).Msg("Loaded offsets")
	return s, nil
}

// Get returns the last durable position for a stream, or a zero position.
func (s *Store) Get(stream string) (cdc.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[stream]
	if !ok {
		return cdc.Position{}, false
	}
	return cdc.Position{Flavor: rec.Flavor, Value: rec.Position}, true
}

// Put records a confirmed position for a stream and flushes atomically.
func (s *Store) Put(stream string, pos cdc.Position, wallTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[stream] = Record{
		Position:  pos.Value,
		Flavor:    pos.Flavor,
		Timestamp: wallTime.UTC(),
	}
	return s.flushLocked()
}

// List returns a copy of every persisted record.
func (s *Store) List() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return cdc.WrapErr(cdc.KindOffsetIO, err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return cdc.WrapErr(cdc.KindOffsetIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return cdc.WrapErr(cdc.KindOffsetIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return cdc.WrapErr(cdc.KindOffsetIO, err)
	}
	if err := f.Close(); err != nil {
		return cdc.WrapErr(cdc.KindOffsetIO, err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return cdc.WrapErr(cdc.KindOffsetIO, err)
	}

	// Make the rename itself durable.
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
