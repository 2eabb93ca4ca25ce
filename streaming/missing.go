package streaming

import (
	"github.com/golang/groupcache/lru"

	"go.viam.com/lodcloud/lod"
)

// missingCells remembers ids confirmed absent from the source so they are not requested every
// frame. The oldest entries are forgotten first.
type missingCells struct {
	cache *lru.Cache
}

func newMissingCells(capacity int) *missingCells {
	return &missingCells{cache: lru.New(capacity)}
}

func (m *missingCells) add(id lod.CellID) {
	m.cache.Add(id, struct{}{})
}

// has reports whether id is known to be missing and marks it recently used.
func (m *missingCells) has(id lod.CellID) bool {
	_, ok := m.cache.Get(id)
	return ok
}

func (m *missingCells) len() int {
	return m.cache.Len()
}

func (m *missingCells) clear() {
	m.cache.Clear()
}
