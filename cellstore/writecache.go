package cellstore

import (
	"container/list"
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
)

// CellStore is the read/write storage behind a WriteCache.
type CellStore interface {
	LoadCell(ctx context.Context, id lod.CellID, subGridDimension uint32) (*lod.Cell, error)
	SaveCell(id lod.CellID, c *lod.Cell) error
	SaveMetadata(md *lod.Metadata) error
}

// WriteCacheStats counts cache activity.
type WriteCacheStats struct {
	Hits      uint64
	Misses    uint64
	Created   uint64
	Evictions uint64
	Saves     uint64
}

type cacheEntry struct {
	id    lod.CellID
	cell  *lod.Cell
	freq  uint64
	elem  *list.Element
	dirty bool
}

// WriteCache keeps a bounded number of cells open during conversion. When full, the least
// frequently used cell is written to the store before its slot is reused; among equally used
// cells the one touched longest ago goes first. It is not safe for concurrent use.
type WriteCache struct {
	store            CellStore
	subGridDimension uint32
	capacity         int
	logger           logging.Logger

	entries map[lod.CellID]*cacheEntry
	// byFreq holds, per use count, entries ordered from least to most recently used.
	byFreq  map[uint64]*list.List
	minFreq uint64
	stats   WriteCacheStats
}

// NewWriteCache returns a cache holding at most capacity cells of an index whose cells have
// subGridDimension³ slots.
func NewWriteCache(store CellStore, subGridDimension uint32, capacity int, logger logging.Logger) (*WriteCache, error) {
	if capacity < 1 {
		return nil, errors.Errorf("write cache capacity must be positive, got %d", capacity)
	}
	return &WriteCache{
		store:            store,
		subGridDimension: subGridDimension,
		capacity:         capacity,
		logger:           logger,
		entries:          make(map[lod.CellID]*cacheEntry, capacity),
		byFreq:           map[uint64]*list.List{},
	}, nil
}

// Len is the number of cached cells.
func (wc *WriteCache) Len() int {
	return len(wc.entries)
}

// Contains reports whether id is cached.
func (wc *WriteCache) Contains(id lod.CellID) bool {
	_, ok := wc.entries[id]
	return ok
}

// Stats returns counters since construction.
func (wc *WriteCache) Stats() WriteCacheStats {
	return wc.stats
}

// GetOrLoad returns the cached cell for id, loading it from the store or starting an empty one
// when the store has none. The cell is assumed to be modified by the caller.
func (wc *WriteCache) GetOrLoad(ctx context.Context, id lod.CellID) (*lod.Cell, error) {
	if e, ok := wc.entries[id]; ok {
		wc.stats.Hits++
		wc.touch(e)
		e.dirty = true
		return e.cell, nil
	}
	wc.stats.Misses++

	cell, err := wc.store.LoadCell(ctx, id, wc.subGridDimension)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		cell = lod.NewCell(wc.subGridDimension)
		wc.stats.Created++
	default:
		wc.logger.Errorw("cannot load cell for writing", "cell", id.String(), "error", err)
		return nil, err
	}

	if len(wc.entries) >= wc.capacity {
		if err := wc.evict(); err != nil {
			return nil, err
		}
	}
	e := &cacheEntry{id: id, cell: cell, dirty: true}
	wc.entries[id] = e
	wc.pushFreq(e, 1)
	return cell, nil
}

func (wc *WriteCache) touch(e *cacheEntry) {
	old := wc.byFreq[e.freq]
	old.Remove(e.elem)
	if old.Len() == 0 {
		delete(wc.byFreq, e.freq)
		if wc.minFreq == e.freq {
			wc.minFreq++
		}
	}
	wc.pushFreq(e, e.freq+1)
}

func (wc *WriteCache) pushFreq(e *cacheEntry, freq uint64) {
	l, ok := wc.byFreq[freq]
	if !ok {
		l = list.New()
		wc.byFreq[freq] = l
	}
	e.freq = freq
	e.elem = l.PushBack(e)
	if freq == 1 || freq < wc.minFreq {
		wc.minFreq = freq
	}
}

// evict saves and drops one entry. If the save fails the entry stays cached.
func (wc *WriteCache) evict() error {
	l := wc.byFreq[wc.minFreq]
	if l == nil || l.Len() == 0 {
		return errors.Errorf("write cache has no entry at minimum frequency %d", wc.minFreq)
	}
	//nolint:forcetypeassert
	victim := l.Front().Value.(*cacheEntry)
	if err := wc.save(victim); err != nil {
		return errors.Wrapf(err, "evicting cell %s", victim.id)
	}
	l.Remove(victim.elem)
	if l.Len() == 0 {
		delete(wc.byFreq, victim.freq)
	}
	delete(wc.entries, victim.id)
	wc.stats.Evictions++
	// The caller inserts a new entry right away, which resets minFreq to 1.
	return nil
}

func (wc *WriteCache) save(e *cacheEntry) error {
	if !e.dirty {
		return nil
	}
	if err := wc.store.SaveCell(e.id, e.cell); err != nil {
		return err
	}
	e.dirty = false
	wc.stats.Saves++
	return nil
}

// Flush writes every modified cell. Cells stay cached.
func (wc *WriteCache) Flush() error {
	var errs error
	for _, e := range wc.entries {
		errs = multierr.Append(errs, wc.save(e))
	}
	return errs
}

// Close flushes all cells and then writes md. Metadata is not written if any cell failed, so an
// index on disk never claims points it does not hold.
func (wc *WriteCache) Close(md *lod.Metadata) error {
	if err := wc.Flush(); err != nil {
		return errors.Wrap(err, "flushing cells")
	}
	return wc.store.SaveMetadata(md)
}
