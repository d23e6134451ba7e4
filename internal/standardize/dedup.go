package standardize

import (
	"sync"
	"time"
)

// DedupKey identifies one raw line item within one statement slice under one
// resolved snapshot. The zero Snapshot means no dated vocabulary applied.
type DedupKey struct {
	RawLineItem string
	Snapshot    time.Time
	ReportDate  time.Time
	Period      string
	PeriodType  string
	Level       string
}

// DedupSet tracks which dedup keys have already produced a mapping row.
// Slices of the same company run concurrently, so membership checks and
// insertion happen under one lock.
type DedupSet struct {
	mu   sync.Mutex
	seen map[DedupKey]struct{}
}

func NewDedupSet() *DedupSet {
	return &DedupSet{seen: make(map[DedupKey]struct{})}
}

// Add records the key and reports whether it was new. The first writer wins;
// later duplicates are dropped silently.
func (s *DedupSet) Add(k DedupKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[k]; ok {
		return false
	}
	s.seen[k] = struct{}{}
	return true
}
