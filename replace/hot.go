// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package replace

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// Hot is LRU with a frequency filter: block ids that a TinyLFU-admitted hot
// set currently retains are evicted only after every cold candidate.
//
// The hot set outlives eviction, so a block that keeps coming back is
// recognised as hot the next time it is cached.
//
// Only Admit and Touch count as accesses. Membership is recorded when an id
// is offered and dropped by the eviction and rejection callbacks, so scanning
// for victims leaves the frequency sketch alone.
type Hot struct {
	lru *LRU
	hot *ristretto.Cache[uint64, struct{}]

	mutex   sync.Mutex
	members map[BlockID]struct{}
}

// NewHot returns a policy whose hot set holds up to size block ids.
func NewHot(size int) (*Hot, error) {
	size = max(size, 1)
	h := &Hot{lru: NewLRU(), members: make(map[BlockID]struct{}, size)}
	hot, err := ristretto.NewCache(&ristretto.Config[uint64, struct{}]{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            h.leave,
		OnReject:           h.leave,
	})
	if err != nil {
		return nil, fmt.Errorf("hot set: %w", err)
	}
	h.hot = hot
	return h, nil
}

// leave drops an id the hot set evicted or refused. Keys are block ids
// hashed to themselves.
func (h *Hot) leave(item *ristretto.Item[struct{}]) {
	h.mutex.Lock()
	delete(h.members, BlockID(item.Key))
	h.mutex.Unlock()
}

func (h *Hot) Admit(id BlockID) {
	h.lru.Admit(id)
	h.record(id)
}

func (h *Hot) Touch(id BlockID) {
	h.lru.Touch(id)
	h.record(id)
}

func (h *Hot) Forget(id BlockID) {
	h.lru.Forget(id)
}

func (h *Hot) record(id BlockID) {
	// Get feeds the frequency sketch; Set offers the id for admission.
	if _, ok := h.hot.Get(uint64(id)); ok {
		return
	}
	h.mutex.Lock()
	h.members[id] = struct{}{}
	h.mutex.Unlock()
	if !h.hot.Set(uint64(id), struct{}{}, 1) {
		h.mutex.Lock()
		delete(h.members, id)
		h.mutex.Unlock()
	}
}

// IsHot reports whether the hot set retains id. It is not an access.
func (h *Hot) IsHot(id BlockID) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	_, ok := h.members[id]
	return ok
}

func (h *Hot) Victims(n int, evictable func(BlockID) bool) []BlockID {
	victims := h.lru.Victims(n, func(id BlockID) bool {
		return evictable(id) && !h.IsHot(id)
	})
	if len(victims) >= n {
		return victims
	}

	picked := make(map[BlockID]struct{}, len(victims))
	for _, id := range victims {
		picked[id] = struct{}{}
	}
	return append(victims, h.lru.Victims(n-len(victims), func(id BlockID) bool {
		_, ok := picked[id]
		return !ok && evictable(id)
	})...)
}

// Wait blocks until pending admissions are applied to the hot set.
func (h *Hot) Wait() {
	h.hot.Wait()
}

func (h *Hot) Close() {
	h.hot.Close()
}
