// Package cache persists the most recent policy snapshot to a single local
// file so enforcement keeps a last-known-good policy across restarts and
// control-plane outages. No network calls originate here.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/policy"
)

// Record is the on-disk form of a cached snapshot.
type Record struct {
	Snapshot  policy.Snapshot `json:"snapshot"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Age returns how old the record is at the given instant.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.FetchedAt)
}

// Store reads and writes the cache file with atomic replace semantics.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a Store for the given cache file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the cache file location.
func (s *Store) Path() string { return s.path }

// Save persists a snapshot with its fetch timestamp. Writes tmp + rename so
// a crash mid-write cannot leave a corrupt cache behind.
func (s *Store) Save(snap *policy.Snapshot, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	rec := Record{Snapshot: *snap, FetchedAt: fetchedAt.UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache record: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp cache: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load returns the cached record only if it is no older than ttl.
// A missing, unreadable, or corrupt file is a cache miss, never an error —
// startup must not abort because the cache rotted.
func (s *Store) Load(ttl time.Duration) (*Record, bool) {
	rec, ok := s.read()
	if !ok {
		return nil, false
	}
	if rec.Age(time.Now()) > ttl {
		return nil, false
	}
	return rec, true
}

// LoadStale returns the cached record regardless of age. Emergency fallback
// for when the control plane is unreachable and nothing fresher exists.
func (s *Store) LoadStale() (*Record, bool) {
	return s.read()
}

func (s *Store) read() (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if rec.FetchedAt.IsZero() {
		return nil, false
	}
	rec.Snapshot.Normalize()
	return &rec, true
}
