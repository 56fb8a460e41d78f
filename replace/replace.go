// Package replace provides the page replacement policies of the buffer cache.
//
// A policy tracks the cached block ids and, when asked, names up to n of them
// to evict. It only names ids the cache reports evictable (unpinned, resident,
// no I/O in flight); the cache rechecks each one under its boundary before
// evicting it.
package replace

import (
	"container/list"
	"sync"

	"github.com/dacapoday/blkstore"
)

type BlockID = blkstore.BlockID

// None never evicts. Memory grows with the number of blocks touched.
type None struct{}

func (None) Admit(BlockID) {}
func (None) Touch(BlockID) {}
func (None) Forget(BlockID) {}

func (None) Victims(int, func(BlockID) bool) []BlockID {
	return nil
}

// LRU evicts the least recently touched blocks first.
type LRU struct {
	mutex sync.Mutex
	order list.List // front is least recently used
	elems map[BlockID]*list.Element
}

func NewLRU() *LRU {
	return &LRU{elems: make(map[BlockID]*list.Element)}
}

func (lru *LRU) Admit(id BlockID) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	if elem, ok := lru.elems[id]; ok {
		lru.order.MoveToBack(elem)
		return
	}
	lru.elems[id] = lru.order.PushBack(id)
}

func (lru *LRU) Touch(id BlockID) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	if elem, ok := lru.elems[id]; ok {
		lru.order.MoveToBack(elem)
	}
}

func (lru *LRU) Forget(id BlockID) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	if elem, ok := lru.elems[id]; ok {
		lru.order.Remove(elem)
		delete(lru.elems, id)
	}
}

func (lru *LRU) Victims(n int, evictable func(BlockID) bool) (victims []BlockID) {
	if n <= 0 {
		return
	}
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	for elem := lru.order.Front(); elem != nil && len(victims) < n; elem = elem.Next() {
		if id := elem.Value.(BlockID); evictable(id) {
			victims = append(victims, id)
		}
	}
	return
}

// Len returns the number of tracked blocks.
func (lru *LRU) Len() int {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()
	return len(lru.elems)
}
