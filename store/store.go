// Package store keeps the latest reading and a bounded FIFO history per
// sensor. All access goes through one RWMutex per Store.
package store

import (
	"sort"
	"sync"

	"water_monitor/models"
)

// MaxHistory is the default number of entries kept per sensor
const MaxHistory = 500

// Store is the in-process sensor state
type Store struct {
	mu         sync.RWMutex
	latest     map[string]models.Reading
	history    map[string][]models.HistoryEntry
	maxHistory int
	storageTag string
}

// New creates a store that keeps at most maxHistory entries per sensor and
// tags every history entry with storageTag
func New(maxHistory int, storageTag string) *Store {
	if maxHistory <= 0 {
		maxHistory = MaxHistory
	}
	return &Store{
		latest:     make(map[string]models.Reading),
		history:    make(map[string][]models.HistoryEntry),
		maxHistory: maxHistory,
		storageTag: storageTag,
	}
}

// Ingest overwrites the sensor's latest reading and appends to its history,
// dropping the oldest entry once the cap is reached
func (s *Store) Ingest(r models.Reading) models.HistoryEntry {
	entry, _ := s.IngestIf(r, nil)
	return entry
}

// IngestIf records r only when check accepts the sensor's previous latest
// reading. check runs under the write lock, so no other ingest for the sensor
// can land between the check and the write. A nil check always accepts.
func (s *Store) IngestIf(r models.Reading, check func(prev models.Reading, ok bool) error) (models.HistoryEntry, error) {
	entry := models.HistoryEntry{Reading: r, StorageTag: s.storageTag}

	s.mu.Lock()
	defer s.mu.Unlock()

	if check != nil {
		prev, ok := s.latest[r.SensorID]
		if err := check(prev, ok); err != nil {
			return models.HistoryEntry{}, err
		}
	}

	s.latest[r.SensorID] = r

	h := s.history[r.SensorID]
	if len(h) >= s.maxHistory {
		n := copy(h, h[len(h)-s.maxHistory+1:])
		h = h[:n]
	}
	s.history[r.SensorID] = append(h, entry)

	return entry, nil
}

// Latest returns the most recent reading of one sensor
func (s *Store) Latest(sensorID string) (models.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[sensorID]
	return r, ok
}

// LatestAll returns the latest reading of every sensor ordered by sensor id
func (s *Store) LatestAll() []models.Reading {
	s.mu.RLock()
	out := make([]models.Reading, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

// HistoryFor returns a copy of one sensor's history, oldest first
func (s *Store) HistoryFor(sensorID string) []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.history[sensorID])
}

// HistoryAll returns a copy of every sensor's history
func (s *Store) HistoryAll() map[string][]models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]models.HistoryEntry, len(s.history))
	for id, h := range s.history {
		out[id] = cloneEntries(h)
	}
	return out
}

// SensorCount returns the number of sensors with a latest reading
func (s *Store) SensorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

// Snapshot returns a deep copy of the whole state taken under one lock, so
// a concurrent ingest is either fully in it or not at all
func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := models.Snapshot{
		Latest:  make(map[string]models.Reading, len(s.latest)),
		History: make(map[string][]models.HistoryEntry, len(s.history)),
	}
	for id, r := range s.latest {
		snap.Latest[id] = r
	}
	for id, h := range s.history {
		snap.History[id] = cloneEntries(h)
	}
	return snap
}

// Restore replaces the state with a loaded snapshot, keeping only the most
// recent maxHistory entries of each sensor
func (s *Store) Restore(snap models.Snapshot) {
	latest := make(map[string]models.Reading, len(snap.Latest))
	for id, r := range snap.Latest {
		latest[id] = r
	}
	history := make(map[string][]models.HistoryEntry, len(snap.History))
	for id, h := range snap.History {
		if len(h) > s.maxHistory {
			h = h[len(h)-s.maxHistory:]
		}
		history[id] = cloneEntries(h)
	}

	s.mu.Lock()
	s.latest = latest
	s.history = history
	s.mu.Unlock()
}

func cloneEntries(h []models.HistoryEntry) []models.HistoryEntry {
	if h == nil {
		return nil
	}
	out := make([]models.HistoryEntry, len(h))
	copy(out, h)
	return out
}
