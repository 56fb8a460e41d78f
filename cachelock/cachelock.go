// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package cachelock implements the concurrency-control boundary of the buffer
// cache.
//
// Every cache entry point brackets its mutation of shared state with one of
// four begin calls and the End of the returned guard:
//
//	defer lock.BeginAcquire(exec.ID(), id).End()
//
// The boundary is reentrant per owner: an owner already holding it may begin
// again and must end once per begin.
package cachelock

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dacapoday/blkstore"
	"github.com/dacapoday/blkstore/internal/assert"
)

type BlockID = blkstore.BlockID

type Op uint8

const (
	Allocate Op = iota
	Acquire
	Release
	AIOComplete
)

func (op Op) String() string {
	switch op {
	case Allocate:
		return "allocate"
	case Acquire:
		return "acquire"
	case Release:
		return "release"
	case AIOComplete:
		return "aio_complete"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// reentrant is a mutex that its holder may lock again.
type reentrant struct {
	mutex sync.Mutex
	owner atomic.Uint64 // holder id + 1, 0 when free
	depth int
}

func (r *reentrant) lock(owner uint64) {
	tag := owner + 1
	if r.owner.Load() == tag {
		r.depth++
		return
	}
	r.mutex.Lock()
	r.owner.Store(tag)
	r.depth = 1
}

func (r *reentrant) unlock(owner uint64) {
	held := r.owner.Load()
	assert.That(held == owner+1, "cachelock: owner %d ends a boundary held by %d", owner, int64(held)-1)
	if held != owner+1 {
		return
	}
	r.depth--
	if r.depth == 0 {
		r.owner.Store(0)
		r.mutex.Unlock()
	}
}

// held reports whether owner currently holds the lock.
func (r *reentrant) held(owner uint64) bool {
	return r.owner.Load() == owner+1
}

type guard struct {
	lock  *reentrant
	owner uint64
	op    Op
	ended atomic.Bool
}

func (g *guard) End() {
	if g.ended.Swap(true) {
		assert.That(false, "cachelock: %v boundary ended twice", g.op)
		return
	}
	g.lock.unlock(g.owner)
}

func begin(r *reentrant, owner uint64, op Op) blkstore.Guard {
	r.lock(owner)
	return &guard{lock: r, owner: owner, op: op}
}

// Global serializes all cache activity behind one reentrant lock. It is the
// simplest correct boundary and caps throughput at one mutation at a time
// across every executor sharing the cache.
type Global struct {
	lock reentrant
}

func NewGlobal() *Global {
	return new(Global)
}

func (g *Global) BeginAllocate(owner uint64) blkstore.Guard {
	return begin(&g.lock, owner, Allocate)
}

func (g *Global) BeginAcquire(owner uint64, _ BlockID) blkstore.Guard {
	return begin(&g.lock, owner, Acquire)
}

func (g *Global) BeginRelease(owner uint64, _ BlockID) blkstore.Guard {
	return begin(&g.lock, owner, Release)
}

func (g *Global) BeginAIOComplete(owner uint64, _ BlockID) blkstore.Guard {
	return begin(&g.lock, owner, AIOComplete)
}

// Held reports whether owner holds the boundary.
func (g *Global) Held(owner uint64) bool {
	return g.lock.held(owner)
}

// Striped guards each block by one of a fixed set of reentrant stripes, so
// operations on blocks of different stripes run in parallel. Allocation has
// a stripe of its own: a new id is unknown to everyone but its allocator.
//
// Holding two stripes at once can deadlock; callers end one boundary before
// beginning one for another block.
type Striped struct {
	alloc   reentrant
	stripes []reentrant
}

// NewStriped returns a boundary with n stripes (at least one).
func NewStriped(n int) *Striped {
	return &Striped{stripes: make([]reentrant, max(n, 1))}
}

// Stripe returns the stripe index of id.
func (s *Striped) Stripe(id BlockID) int {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(id))
	return int(xxhash.Sum64(key[:]) % uint64(len(s.stripes)))
}

func (s *Striped) stripe(id BlockID) *reentrant {
	return &s.stripes[s.Stripe(id)]
}

func (s *Striped) BeginAllocate(owner uint64) blkstore.Guard {
	return begin(&s.alloc, owner, Allocate)
}

func (s *Striped) BeginAcquire(owner uint64, id BlockID) blkstore.Guard {
	return begin(s.stripe(id), owner, Acquire)
}

func (s *Striped) BeginRelease(owner uint64, id BlockID) blkstore.Guard {
	return begin(s.stripe(id), owner, Release)
}

func (s *Striped) BeginAIOComplete(owner uint64, id BlockID) blkstore.Guard {
	return begin(s.stripe(id), owner, AIOComplete)
}
