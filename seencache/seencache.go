// Package seencache provides an exact, bounded cache of recently seen
// message ids. It is the engine-level dedup structure; high-volume relay
// content uses the probabilistic bloomcache instead.
package seencache

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// SeenTable is a bounded first-seen cache. Once full, the oldest entry is
// evicted, so an id is only guaranteed to be remembered for the most
// recent Size insertions.
type SeenTable struct {
	cache *lru.Cache[string, struct{}]
}

func New(size int) (*SeenTable, error) {
	if size <= 0 {
		return nil, errors.Errorf("seencache: size must be positive, got %d", size)
	}

	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, errors.Wrap(err, "seencache: creating lru")
	}

	return &SeenTable{cache: cache}, nil
}

// InsertIfNew marks id as seen and reports whether it was new. It returns
// true exactly once per id within the retention window.
func (s *SeenTable) InsertIfNew(id string) bool {
	ok, _ := s.cache.ContainsOrAdd(id, struct{}{})
	return !ok
}

func (s *SeenTable) Contains(id string) bool {
	return s.cache.Contains(id)
}

func (s *SeenTable) Len() int {
	return s.cache.Len()
}

func (s *SeenTable) Purge() {
	s.cache.Purge()
}
