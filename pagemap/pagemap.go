// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package pagemap maps block ids to their in-memory page entries.
//
// The map itself is safe for concurrent use. The fields of an Entry are not:
// they are mutated only inside the concurrency-control boundary of the
// entry's block, bracketed by Enter and Exit. Enter counts every overlap of
// two writers on one entry as a violation, which the cache reports in its
// statistics.
package pagemap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dacapoday/blkstore"
)

type BlockID = blkstore.BlockID

type State uint8

const (
	// Loading: a read is in flight, waiters queue up.
	Loading State = iota
	// Resident: the buffer holds the block, clean or dirty.
	Resident
	// Evicting: selected for eviction, waiting for its flush to finish.
	Evicting
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Resident:
		return "resident"
	case Evicting:
		return "evicting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Entry struct {
	ID    BlockID
	Buf   *blkstore.Buffer
	State State
	// Pins counts the callers holding the block between acquire and release.
	Pins  int
	Dirty bool
	// Flushing counts writes of this block in flight.
	Flushing int

	waiters []func(err error)

	evictable  atomic.Bool
	writers    atomic.Int32
	violations *atomic.Int64
}

// Enter starts a mutation of the entry.
func (e *Entry) Enter() {
	if e.writers.Add(1) != 1 {
		e.violations.Add(1)
	}
}

// Exit ends a mutation and publishes whether the entry may be evicted.
func (e *Entry) Exit() {
	e.evictable.Store(e.Pins == 0 && e.State == Resident && e.Flushing == 0)
	e.writers.Add(-1)
}

// Evictable reports, as of the last Exit, whether the entry is unpinned,
// resident and has no I/O in flight. It may be read without the boundary;
// evicting still has to recheck under it.
func (e *Entry) Evictable() bool {
	return e.evictable.Load()
}

// Wait queues fn until the entry finishes loading.
func (e *Entry) Wait(fn func(err error)) {
	e.waiters = append(e.waiters, fn)
}

// Waiting returns the number of queued waiters.
func (e *Entry) Waiting() int {
	return len(e.waiters)
}

// TakeWaiters removes and returns the queued waiters in arrival order.
func (e *Entry) TakeWaiters() []func(err error) {
	waiters := e.waiters
	e.waiters = nil
	return waiters
}

type Map struct {
	rw         sync.RWMutex
	pages      map[BlockID]*Entry
	violations atomic.Int64
}

func New() *Map {
	return &Map{pages: make(map[BlockID]*Entry)}
}

// NewEntry creates an entry that is not yet in the map.
func (m *Map) NewEntry(id BlockID, buf *blkstore.Buffer, state State) *Entry {
	e := &Entry{ID: id, Buf: buf, State: state, violations: &m.violations}
	return e
}

func (m *Map) Get(id BlockID) *Entry {
	m.rw.RLock()
	defer m.rw.RUnlock()
	return m.pages[id]
}

// Insert adds e and reports false if its block is already mapped.
func (m *Map) Insert(e *Entry) bool {
	m.rw.Lock()
	defer m.rw.Unlock()
	if _, ok := m.pages[e.ID]; ok {
		return false
	}
	m.pages[e.ID] = e
	return true
}

// Remove deletes and returns the entry of id, if any.
func (m *Map) Remove(id BlockID) *Entry {
	m.rw.Lock()
	defer m.rw.Unlock()
	e := m.pages[id]
	delete(m.pages, id)
	return e
}

func (m *Map) Len() int {
	m.rw.RLock()
	defer m.rw.RUnlock()
	return len(m.pages)
}

// Range calls fn for a snapshot of the entries until fn returns false.
func (m *Map) Range(fn func(e *Entry) bool) {
	m.rw.RLock()
	entries := make([]*Entry, 0, len(m.pages))
	for _, e := range m.pages {
		entries = append(entries, e)
	}
	m.rw.RUnlock()

	for _, e := range entries {
		if !fn(e) {
			return
		}
	}
}

// Violations returns how often two writers overlapped on one entry.
func (m *Map) Violations() int64 {
	return m.violations.Load()
}
