// Package fishing tracks which vessels are known fishing vessels. The set is
// fed by decoded static reports and by the vessel registry change feed.
package fishing

import (
	"sort"
	"sync"

	"github.com/coder/aisrelay/ais"
)

// Set is a concurrency-safe set of MMSIs. Last writer wins.
type Set struct {
	mu sync.RWMutex
	m  map[string]struct{}
}

func NewSet() *Set {
	return &Set{m: make(map[string]struct{})}
}

func (s *Set) Add(mmsi string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[mmsi] = struct{}{}
}

func (s *Set) Remove(mmsi string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, mmsi)
}

func (s *Set) Contains(mmsi string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[mmsi]
	return ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Snapshot returns the members in ascending order.
func (s *Set) Snapshot() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.m))
	for mmsi := range s.m {
		out = append(out, mmsi)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Classify updates membership from a static report and reports whether the
// vessel is a fishing vessel afterwards. A vessel is added when its ship
// type is Fishing or it is marked active. Otherwise it is removed, but only
// when the report carries a ship type at all: a report without one says
// nothing about the vessel.
func (s *Set) Classify(rec ais.VesselStaticRecord) bool {
	if rec.MMSI == "" {
		return false
	}
	if rec.ShipType == ais.ShipTypeFishing || (rec.Active != nil && *rec.Active) {
		s.Add(rec.MMSI)
		return true
	}
	if rec.ShipType != "" {
		s.Remove(rec.MMSI)
		return false
	}
	return s.Contains(rec.MMSI)
}
