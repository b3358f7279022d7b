package track

import (
	"sort"
	"sync"
	"time"
)

// Store is the arena of tracker states keyed by identity. The map itself is
// guarded by a single read-write lock held only for lookup/insert; each
// tracker carries its own lock, so updates to different trackers never
// contend. Trackers are never explicitly destroyed — consumers classify
// absence of recent updates as staleness instead.
type Store struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	cfg      Config
}

// NewStore creates an empty tracker arena.
func NewStore(cfg Config) *Store {
	return &Store{trackers: make(map[string]*Tracker), cfg: cfg}
}

// GetOrCreate returns the tracker for an identity, creating state with
// default covariance on the first report for a new identity.
func (s *Store) GetOrCreate(id string) *Tracker {
	s.mu.RLock()
	t, ok := s.trackers[id]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[id]; ok {
		return t
	}
	t = NewTracker(id, s.cfg)
	s.trackers[id] = t
	return t
}

// Get returns the tracker for an identity if it exists.
func (s *Store) Get(id string) (*Tracker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trackers[id]
	return t, ok
}

// Len returns the number of known trackers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trackers)
}

// SnapshotAll captures every tracker's state, ordered by identity for
// deterministic output.
func (s *Store) SnapshotAll(now time.Time) []Snapshot {
	s.mu.RLock()
	trackers := make([]*Tracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		trackers = append(trackers, t)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackerID < out[j].TrackerID })
	return out
}
