package dispatch

import (
	"sync"

	"github.com/hearthside-labs/vigil/internal/engine"
)

// SourceStats are the per-integration counters.
type SourceStats struct {
	Submits     uint64 `json:"submits"`
	Entities    uint64 `json:"entities"`
	Deduped     uint64 `json:"deduped"`
	Batches     uint64 `json:"batches"`
	RateLimited uint64 `json:"rate_limited"`
}

// StatsSnapshot is a point-in-time copy of the dispatcher counters.
type StatsSnapshot struct {
	Submits           uint64                 `json:"submits"`
	EntitiesSubmitted uint64                 `json:"entities_submitted"`
	Deduped           uint64                 `json:"deduped"`
	BatchesEnqueued   uint64                 `json:"batches_enqueued"`
	BatchesDispatched uint64                 `json:"batches_dispatched"`
	DroppedBatches    uint64                 `json:"dropped_batches"`
	RateLimited       uint64                 `json:"rate_limited"`
	LockConflicts     uint64                 `json:"lock_conflicts"`
	Evaluated         uint64                 `json:"evaluated"`
	Fired             uint64                 `json:"fired"`
	Scheduled         uint64                 `json:"scheduled"`
	Errors            uint64                 `json:"errors"`
	SkippedCooldown   uint64                 `json:"skipped_cooldown"`
	SkippedEdge       uint64                 `json:"skipped_edge"`
	SkippedSuspended  uint64                 `json:"skipped_suspended"`
	BySource          map[string]SourceStats `json:"by_source"`
}

// Stats accumulates dispatcher counters under one mutex. All methods
// are safe for concurrent use.
type Stats struct {
	mu       sync.Mutex
	snap     StatsSnapshot
	bySource map[string]*SourceStats
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	return &Stats{bySource: make(map[string]*SourceStats)}
}

func (s *Stats) source(name string) *SourceStats {
	ss := s.bySource[name]
	if ss == nil {
		ss = &SourceStats{}
		s.bySource[name] = ss
	}
	return ss
}

func (s *Stats) submit(source string, entities, deduped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Submits++
	s.snap.EntitiesSubmitted += uint64(entities)
	s.snap.Deduped += uint64(deduped)
	ss := s.source(source)
	ss.Submits++
	ss.Entities += uint64(entities)
	ss.Deduped += uint64(deduped)
}

func (s *Stats) enqueued(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.BatchesEnqueued++
	s.source(source).Batches++
}

func (s *Stats) dispatched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.BatchesDispatched++
}

func (s *Stats) dropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.DroppedBatches++
}

func (s *Stats) rateLimited(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.RateLimited++
	s.source(source).RateLimited++
}

func (s *Stats) lockConflict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LockConflicts++
}

func (s *Stats) outcome(out engine.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Evaluated += uint64(out.Evaluated)
	s.snap.Fired += uint64(out.Fired)
	s.snap.Scheduled += uint64(out.Scheduled)
	s.snap.Errors += uint64(out.Errors)
	s.snap.SkippedCooldown += uint64(out.SkippedCooldown)
	s.snap.SkippedEdge += uint64(out.SkippedEdge)
	s.snap.SkippedSuspended += uint64(out.SkippedSuspended)
}

// Snapshot returns a copy of all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.BySource = make(map[string]SourceStats, len(s.bySource))
	for name, ss := range s.bySource {
		out.BySource[name] = *ss
	}
	return out
}
