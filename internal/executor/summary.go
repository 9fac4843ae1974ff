package executor

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/goforget/internal/compliance"
)

// Summary maps each container location to its outcome, in the order the
// locations were planned.
type Summary struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap[string, compliance.SummaryEntry]
}

func newSummary() *Summary {
	return &Summary{entries: orderedmap.NewOrderedMap[string, compliance.SummaryEntry]()}
}

func (s *Summary) set(e compliance.SummaryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Set(e.Location, e)
}

func (s *Summary) remove(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Delete(location)
}

// Get returns the outcome recorded for a location.
func (s *Summary) Get(location string) (compliance.SummaryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Get(location)
}

// Entries returns the outcomes in plan order. The slice is never nil.
func (s *Summary) Entries() []compliance.SummaryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]compliance.SummaryEntry, 0, s.entries.Len())
	for el := s.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Failed counts the locations whose operation failed.
func (s *Summary) Failed() int {
	n := 0
	for _, e := range s.Entries() {
		if e.Status == compliance.OperationFailed {
			n++
		}
	}
	return n
}

// RecordsAffected sums the affected rows over all locations.
func (s *Summary) RecordsAffected() int64 {
	var n int64
	for _, e := range s.Entries() {
		n += e.RecordsAffected
	}
	return n
}
