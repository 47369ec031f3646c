package queue

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// SeenArticles is a probabilistic fast-path set of message-ids this run has
// already queued (Coordinator.AddJob calls CheckAndAdd for every Article
// before a Job is registered), so a duplicate segment declaration inside a
// single NZB, or a re-added par2 file referencing an article another Job
// already queued, is skipped in O(1) instead of scanning every File's
// Articles. The cuckoofilter's small false-positive rate means a distinct
// article can rarely be dropped in error; that missing segment is no
// different from a download failure and is recovered the same way, through
// the par driver's repair pass (spec.md §4.6), so it is an accepted cost
// of the fast path rather than a correctness hole.
type SeenArticles struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
}

func NewSeenArticles() *SeenArticles {
	return &SeenArticles{filter: cuckoo.NewFilter(1 << 20)}
}

// CheckAndAdd reports whether messageID was already seen, inserting it
// either way.
func (s *SeenArticles) CheckAndAdd(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := []byte(messageID)
	seen := s.filter.Lookup(b)
	s.filter.InsertUnique(b)
	return seen
}
