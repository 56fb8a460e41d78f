// Package writeback provides the writeback policies of the buffer cache.
package writeback

import (
	"container/list"
	"sync"

	"github.com/dacapoday/blkstore"
)

type BlockID = blkstore.BlockID

// Immediate tracks every dirty block in the order it was first dirtied.
// Flushing the list is up to the cache.
type Immediate struct {
	mutex sync.Mutex
	order list.List
	dirty map[BlockID]*list.Element
}

func NewImmediate() *Immediate {
	return &Immediate{dirty: make(map[BlockID]*list.Element)}
}

// MarkDirty records that the cached copy of id differs from disk.
// Marking a dirty block again changes nothing.
func (wb *Immediate) MarkDirty(id BlockID) BlockID {
	wb.mutex.Lock()
	defer wb.mutex.Unlock()
	if _, ok := wb.dirty[id]; !ok {
		wb.dirty[id] = wb.order.PushBack(id)
	}
	return id
}

func (wb *Immediate) IsDirty(id BlockID) bool {
	wb.mutex.Lock()
	defer wb.mutex.Unlock()
	_, ok := wb.dirty[id]
	return ok
}

// MarkClean drops id from the dirty list once its contents reached the
// serializer.
func (wb *Immediate) MarkClean(id BlockID) {
	wb.mutex.Lock()
	defer wb.mutex.Unlock()
	if elem, ok := wb.dirty[id]; ok {
		wb.order.Remove(elem)
		delete(wb.dirty, id)
	}
}

// DirtyBlocks returns the dirty block ids, oldest first.
func (wb *Immediate) DirtyBlocks() []BlockID {
	wb.mutex.Lock()
	defer wb.mutex.Unlock()
	ids := make([]BlockID, 0, len(wb.dirty))
	for elem := wb.order.Front(); elem != nil; elem = elem.Next() {
		ids = append(ids, elem.Value.(BlockID))
	}
	return ids
}

func (wb *Immediate) Caching() bool {
	return true
}

// Fallthrough disables caching: the cache reads every acquired block straight
// from the serializer into a fresh buffer and writes it back on a dirty
// release. It keeps no dirty state of its own.
type Fallthrough struct{}

func (Fallthrough) MarkDirty(id BlockID) BlockID { return id }
func (Fallthrough) IsDirty(BlockID) bool         { return false }
func (Fallthrough) MarkClean(BlockID)            {}
func (Fallthrough) DirtyBlocks() []BlockID       { return nil }
func (Fallthrough) Caching() bool                { return false }
