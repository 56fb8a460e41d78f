// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the buffer cache, the composition root of the
// engine core.
//
// A Cache is assembled from a serializer and four capabilities: the page map,
// the replacement policy, the writeback policy and the concurrency-control
// boundary. Its operations never block on I/O: Allocate and Release return at
// once, Acquire returns a future that a later completion resolves on the
// caller's executor.
//
// Every operation on behalf of an executor must run on that executor's
// goroutine; the executor id is the owner of the boundary.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dacapoday/blkstore"
	"github.com/dacapoday/blkstore/internal/assert"
	"github.com/dacapoday/blkstore/pagemap"
	"github.com/dustin/go-humanize"
)

type BlockID = blkstore.BlockID

var (
	ErrHalted   = blkstore.ErrHalted
	ErrReleased = blkstore.ErrReleased
)

// Serializer is the block storage the cache reads from and writes to.
type Serializer interface {
	BlockSize() int
	NextID() BlockID
	GenBlockID() (BlockID, error)
	DoRead(exec blkstore.Executor, id BlockID, buf *blkstore.Buffer, done func(err error)) error
	DoWrite(exec blkstore.Executor, reqs []blkstore.WriteRequest, txn *blkstore.Txn) (completed bool, err error)
	Sync(exec blkstore.Executor, done func(err error)) error
}

type PageMap interface {
	NewEntry(id BlockID, buf *blkstore.Buffer, state pagemap.State) *pagemap.Entry
	Get(id BlockID) *pagemap.Entry
	Insert(e *pagemap.Entry) bool
	Remove(id BlockID) *pagemap.Entry
	Len() int
	Violations() int64
}

// Replacer picks the blocks to evict. Victims names at most n blocks, each of
// which evictable reported true for.
type Replacer interface {
	Admit(id BlockID)
	Touch(id BlockID)
	Forget(id BlockID)
	Victims(n int, evictable func(BlockID) bool) []BlockID
}

// Writeback tracks dirty blocks. When Caching reports false the cache keeps
// no pages and moves every block straight between caller and serializer.
type Writeback interface {
	MarkDirty(id BlockID) BlockID
	IsDirty(id BlockID) bool
	MarkClean(id BlockID)
	DirtyBlocks() []BlockID
	Caching() bool
}

// CacheLock is the concurrency-control boundary. Each begin blocks until
// owner may mutate the cache state of the block and returns the guard that
// ends the boundary.
type CacheLock interface {
	BeginAllocate(owner uint64) blkstore.Guard
	BeginAcquire(owner uint64, id BlockID) blkstore.Guard
	BeginRelease(owner uint64, id BlockID) blkstore.Guard
	BeginAIOComplete(owner uint64, id BlockID) blkstore.Guard
}

type Options struct {
	// Capacity is the number of cached blocks above which the cache evicts.
	// Zero or less never evicts.
	Capacity int
	Logger   *slog.Logger
}

// Handle is a pinned block, valid from acquire (or allocate) to release.
type Handle struct {
	id       BlockID
	buf      *blkstore.Buffer
	entry    *pagemap.Entry
	released atomic.Bool
}

func (h *Handle) ID() BlockID {
	return h.id
}

// Bytes returns the block contents. Writes are persisted only when the handle
// is released dirty.
func (h *Handle) Bytes() []byte {
	return h.buf.Bytes()
}

type Cache struct {
	ser   Serializer
	pages PageMap
	repl  Replacer
	wb    Writeback
	lock  CacheLock

	pool     *blkstore.Pool
	capacity int
	log      *slog.Logger

	mutex   sync.Mutex
	failure error
	group   *writeGroup

	hits        atomic.Int64
	misses      atomic.Int64
	allocations atomic.Int64
	evictions   atomic.Int64
	reads       atomic.Int64
	writes      atomic.Int64
}

func New(ser Serializer, pages PageMap, repl Replacer, wb Writeback, lock CacheLock, opt Options) *Cache {
	log := opt.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		ser:      ser,
		pages:    pages,
		repl:     repl,
		wb:       wb,
		lock:     lock,
		pool:     blkstore.NewPool(ser.BlockSize()),
		capacity: opt.Capacity,
		log:      log.With("component", "cache"),
		group:    new(writeGroup),
	}
}

// writeGroup counts the writes submitted since the last flush. A flush seals
// the current group and resolves once every write of it has completed.
type writeGroup struct {
	pending int
	err     error
	sealed  bool
	drained func(err error)
}

func (c *Cache) beginWrite() *writeGroup {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.group.pending++
	return c.group
}

func (c *Cache) endWrite(g *writeGroup, err error) {
	c.mutex.Lock()
	g.pending--
	if err != nil && g.err == nil {
		g.err = err
	}
	var drained func(error)
	if g.sealed && g.pending == 0 {
		drained, g.drained = g.drained, nil
	}
	c.mutex.Unlock()

	if drained != nil {
		drained(g.err)
	}
}

// seal starts a new group and calls drained once the writes of the old one
// have completed, at once when none is in flight.
func (c *Cache) seal(drained func(err error)) {
	c.mutex.Lock()
	g := c.group
	c.group = new(writeGroup)
	g.sealed = true
	if g.pending > 0 {
		g.drained = drained
		c.mutex.Unlock()
		return
	}
	c.mutex.Unlock()
	drained(g.err)
}

// Err returns the I/O failure that halted the cache, if any.
func (c *Cache) Err() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.failure
}

func (c *Cache) halted() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	return nil
}

func (c *Cache) halt(err error) error {
	c.mutex.Lock()
	first := c.failure == nil
	if first {
		c.failure = err
	}
	c.mutex.Unlock()
	if first {
		c.log.Error("cache halted", "err", err)
	}
	return err
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	return c.pages.Len()
}

// Allocate creates a new block and returns it pinned, zero-filled and dirty.
func (c *Cache) Allocate(exec blkstore.Executor) (h *Handle, err error) {
	if err = c.halted(); err != nil {
		return
	}

	g := c.lock.BeginAllocate(exec.ID())
	id, err := c.ser.GenBlockID()
	if err != nil {
		g.End()
		err = fmt.Errorf("allocate: %w", err)
		return
	}
	c.allocations.Add(1)
	buf := c.pool.GetZeroed()

	if !c.wb.Caching() {
		g.End()
		h = &Handle{id: id, buf: buf}
		return
	}

	e := c.pages.NewEntry(id, buf, pagemap.Resident)
	e.Enter()
	e.Pins = 1
	e.Dirty = true
	e.Exit()
	if !c.pages.Insert(e) {
		g.End()
		panic(fmt.Sprintf("cache: allocated block %d is already cached", id))
	}
	c.repl.Admit(id)
	c.wb.MarkDirty(id)
	g.End()

	c.evict(exec)
	h = &Handle{id: id, buf: buf, entry: e}
	return
}

// Acquire pins block id. The future resolves on exec once the block is
// resident. Acquiring a block that was never allocated panics.
func (c *Cache) Acquire(exec blkstore.Executor, id BlockID) *blkstore.Future[*Handle] {
	if next := c.ser.NextID(); id >= next {
		panic(fmt.Sprintf("cache: acquire of unallocated block %d (next %d)", id, next))
	}
	if err := c.halted(); err != nil {
		return blkstore.Completed[*Handle](nil, err)
	}
	if !c.wb.Caching() {
		return c.acquireDirect(exec, id)
	}

	g := c.lock.BeginAcquire(exec.ID(), id)
	if e := c.pages.Get(id); e != nil {
		f, loading := c.pin(e)
		g.End()
		c.repl.Touch(id)
		if loading {
			// joins the read in flight; nothing was served from memory
			c.misses.Add(1)
		} else {
			c.hits.Add(1)
		}
		return f
	}

	f := blkstore.NewFuture[*Handle]()
	buf := c.pool.Get()
	e := c.pages.NewEntry(id, buf, pagemap.Loading)
	e.Enter()
	e.Pins = 1
	e.Wait(resolve(f, e))
	e.Exit()
	c.pages.Insert(e)
	c.repl.Admit(id)
	c.misses.Add(1)

	err := c.ser.DoRead(exec, id, buf, func(err error) {
		c.onReadComplete(exec, e, err)
	})
	if err != nil {
		c.pages.Remove(id)
		c.repl.Forget(id)
		e.Enter()
		waiters := e.TakeWaiters()
		e.Pins = 0
		e.Buf = nil
		e.Exit()
		g.End()
		c.pool.Put(buf)
		err = c.halt(fmt.Errorf("acquire block(%d): %w", id, err))
		for _, wake := range waiters {
			wake(err)
		}
		return f
	}
	c.reads.Add(1)
	g.End()

	c.evict(exec)
	return f
}

// pin takes another pin on a mapped entry and reports whether the entry is
// still loading. Called under the boundary of the entry's block.
func (c *Cache) pin(e *pagemap.Entry) (f *blkstore.Future[*Handle], loading bool) {
	e.Enter()
	defer e.Exit()
	e.Pins++
	switch e.State {
	case pagemap.Loading:
		f = blkstore.NewFuture[*Handle]()
		e.Wait(resolve(f, e))
		return f, true
	case pagemap.Evicting:
		// the flush in flight writes a snapshot; the page stays
		e.State = pagemap.Resident
	}
	return blkstore.Completed(&Handle{id: e.ID, buf: e.Buf, entry: e}, nil), false
}

func resolve(f *blkstore.Future[*Handle], e *pagemap.Entry) func(err error) {
	return func(err error) {
		if err != nil {
			f.Complete(nil, err)
			return
		}
		f.Complete(&Handle{id: e.ID, buf: e.Buf, entry: e}, nil)
	}
}

func (c *Cache) onReadComplete(exec blkstore.Executor, e *pagemap.Entry, err error) {
	g := c.lock.BeginAIOComplete(exec.ID(), e.ID)
	e.Enter()
	waiters := e.TakeWaiters()
	var buf *blkstore.Buffer
	if err == nil {
		e.State = pagemap.Resident
	} else {
		c.pages.Remove(e.ID)
		c.repl.Forget(e.ID)
		buf, e.Buf = e.Buf, nil
		e.Pins = 0
	}
	e.Exit()
	g.End()

	if err != nil {
		c.pool.Put(buf)
		c.halt(err)
	}
	for _, wake := range waiters {
		wake(err)
	}
}

// Release unpins h and, when dirty, records that its contents must be
// written back. It returns the block id; releasing a handle twice returns
// ErrReleased.
func (c *Cache) Release(exec blkstore.Executor, h *Handle, dirty bool) (id BlockID, err error) {
	id = h.id
	if h.released.Swap(true) {
		err = fmt.Errorf("release block(%d): %w", id, ErrReleased)
		return
	}
	if h.entry == nil {
		return c.releaseDirect(exec, h, dirty)
	}

	g := c.lock.BeginRelease(exec.ID(), id)
	e := h.entry
	e.Enter()
	assert.That(e.Pins > 0, "cache: release of unpinned block %d", id)
	if e.Pins > 0 {
		e.Pins--
	}
	if dirty {
		e.Dirty = true
	}
	e.Exit()
	if dirty {
		c.wb.MarkDirty(id)
	}
	g.End()

	c.evict(exec)
	err = c.halted()
	return
}

// acquireDirect reads the block into a fresh buffer, bypassing the page map.
func (c *Cache) acquireDirect(exec blkstore.Executor, id BlockID) *blkstore.Future[*Handle] {
	f := blkstore.NewFuture[*Handle]()
	buf := c.pool.Get()

	g := c.lock.BeginAcquire(exec.ID(), id)
	defer g.End()
	c.misses.Add(1)
	err := c.ser.DoRead(exec, id, buf, func(err error) {
		defer c.lock.BeginAIOComplete(exec.ID(), id).End()
		if err != nil {
			c.pool.Put(buf)
			f.Complete(nil, c.halt(err))
			return
		}
		f.Complete(&Handle{id: id, buf: buf}, nil)
	})
	if err != nil {
		c.pool.Put(buf)
		f.Complete(nil, c.halt(fmt.Errorf("acquire block(%d): %w", id, err)))
		return f
	}
	c.reads.Add(1)
	return f
}

// releaseDirect writes a dirty buffer straight through and recycles it once
// the write completes.
func (c *Cache) releaseDirect(exec blkstore.Executor, h *Handle, dirty bool) (id BlockID, err error) {
	id, buf := h.id, h.buf
	if !dirty {
		c.pool.Put(buf)
		return
	}

	g := c.lock.BeginRelease(exec.ID(), id)
	grp := c.beginWrite()
	req := blkstore.WriteRequest{ID: id, Buf: buf, Done: func(err error) {
		g := c.lock.BeginAIOComplete(exec.ID(), id)
		c.pool.Put(buf)
		if err != nil {
			c.halt(err)
		}
		g.End()
		c.endWrite(grp, err)
	}}
	_, err = c.ser.DoWrite(exec, []blkstore.WriteRequest{req}, blkstore.NewTxn(nil))
	g.End()
	if err != nil {
		c.pool.Put(buf)
		err = c.halt(fmt.Errorf("release block(%d): %w", id, err))
		c.endWrite(grp, err)
		return
	}
	c.writes.Add(1)
	return
}

// evict brings the cache back to capacity. It runs outside any boundary and
// takes the boundary of each victim in turn.
func (c *Cache) evict(exec blkstore.Executor) {
	if c.capacity <= 0 {
		return
	}
	over := c.pages.Len() - c.capacity
	if over <= 0 {
		return
	}
	for _, id := range c.repl.Victims(over, c.evictable) {
		c.evictBlock(exec, id)
	}
}

func (c *Cache) evictable(id BlockID) bool {
	e := c.pages.Get(id)
	return e != nil && e.Evictable()
}

func (c *Cache) evictBlock(exec blkstore.Executor, id BlockID) {
	if grp := c.evictLocked(exec, id); grp != nil {
		c.endWrite(grp, nil)
	}
}

// evictLocked drops or starts writing back block id under its boundary. It
// returns the write group of a write it failed to submit.
func (c *Cache) evictLocked(exec blkstore.Executor, id BlockID) (aborted *writeGroup) {
	g := c.lock.BeginRelease(exec.ID(), id)
	defer g.End()

	e := c.pages.Get(id)
	if e == nil {
		return
	}
	e.Enter()
	defer e.Exit()
	if e.Pins > 0 || e.State != pagemap.Resident || e.Flushing > 0 {
		return
	}

	if !e.Dirty {
		c.drop(e)
		return
	}

	e.State = pagemap.Evicting
	req, grp := c.prepareWrite(exec, e)
	if _, err := c.ser.DoWrite(exec, []blkstore.WriteRequest{req}, blkstore.NewTxn(nil)); err != nil {
		c.abortWrite(e, req.Buf)
		c.halt(fmt.Errorf("evict block(%d): %w", id, err))
		return grp
	}
	c.writes.Add(1)
	c.log.Debug("evicting dirty block", "block", id)
	return
}

// drop removes a clean, unpinned entry. Called inside Enter and Exit of e.
func (c *Cache) drop(e *pagemap.Entry) {
	if c.pages.Get(e.ID) == e {
		c.pages.Remove(e.ID)
	}
	c.repl.Forget(e.ID)
	c.wb.MarkClean(e.ID)
	c.pool.Put(e.Buf)
	e.Buf = nil
	c.evictions.Add(1)
	c.log.Debug("evicted block", "block", e.ID)
}

// prepareWrite snapshots a dirty entry into a pooled buffer and marks it
// clean with one more flush in flight, counted in the current write group.
// Called inside Enter and Exit of e.
func (c *Cache) prepareWrite(exec blkstore.Executor, e *pagemap.Entry) (blkstore.WriteRequest, *writeGroup) {
	snap := c.pool.Get().CopyFrom(e.Buf)
	e.Dirty = false
	e.Flushing++
	c.wb.MarkClean(e.ID)
	grp := c.beginWrite()
	return blkstore.WriteRequest{ID: e.ID, Buf: snap, Done: func(err error) {
		c.onWriteComplete(exec, e, snap, err)
		c.endWrite(grp, err)
	}}, grp
}

// abortWrite undoes prepareWrite for a write that was never submitted. The
// caller ends its write group once out of the boundary.
func (c *Cache) abortWrite(e *pagemap.Entry, snap *blkstore.Buffer) {
	c.pool.Put(snap)
	e.Flushing--
	e.Dirty = true
	if e.State == pagemap.Evicting {
		e.State = pagemap.Resident
	}
	c.wb.MarkDirty(e.ID)
}

func (c *Cache) onWriteComplete(exec blkstore.Executor, e *pagemap.Entry, snap *blkstore.Buffer, err error) {
	c.pool.Put(snap)

	g := c.lock.BeginAIOComplete(exec.ID(), e.ID)
	defer g.End()
	e.Enter()
	defer e.Exit()

	e.Flushing--
	if err != nil {
		// the contents never reached disk
		e.Dirty = true
		c.wb.MarkDirty(e.ID)
		if e.State == pagemap.Evicting {
			e.State = pagemap.Resident
		}
		c.halt(err)
		return
	}
	if e.State != pagemap.Evicting || e.Flushing > 0 {
		return
	}
	if e.Pins == 0 && !e.Dirty {
		c.drop(e)
		return
	}
	e.State = pagemap.Resident
}

// Flush writes every dirty cached block in one batch. The future resolves
// once those writes, and every eviction or write-through write submitted
// before them, have completed and the file has been synced.
func (c *Cache) Flush(exec blkstore.Executor) *blkstore.Future[struct{}] {
	if err := c.halted(); err != nil {
		return blkstore.Completed(struct{}{}, err)
	}

	var (
		reqs    []blkstore.WriteRequest
		groups  []*writeGroup
		entries []*pagemap.Entry
	)
	for _, id := range c.wb.DirtyBlocks() {
		g := c.lock.BeginRelease(exec.ID(), id)
		e := c.pages.Get(id)
		if e == nil || !e.Dirty {
			c.wb.MarkClean(id)
			g.End()
			continue
		}
		e.Enter()
		req, grp := c.prepareWrite(exec, e)
		e.Exit()
		g.End()
		reqs = append(reqs, req)
		groups = append(groups, grp)
		entries = append(entries, e)
	}

	f := blkstore.NewFuture[struct{}]()
	if _, err := c.ser.DoWrite(exec, reqs, blkstore.NewTxn(nil)); err != nil {
		for i, e := range entries {
			g := c.lock.BeginRelease(exec.ID(), e.ID)
			e.Enter()
			c.abortWrite(e, reqs[i].Buf)
			e.Exit()
			g.End()
			c.endWrite(groups[i], nil)
		}
		f.Complete(struct{}{}, c.halt(fmt.Errorf("flush: %w", err)))
		return f
	}
	c.writes.Add(int64(len(reqs)))
	c.log.Debug("flushing", "blocks", len(reqs))

	c.seal(func(err error) {
		if err != nil {
			f.Complete(struct{}{}, err)
			return
		}
		if err = c.ser.Sync(exec, func(err error) {
			if err != nil {
				err = c.halt(err)
			}
			f.Complete(struct{}{}, err)
		}); err != nil {
			f.Complete(struct{}{}, c.halt(fmt.Errorf("flush: %w", err)))
		}
	})
	return f
}

type Stats struct {
	Cached      int
	Hits        int64
	Misses      int64
	Allocations int64
	Evictions   int64
	Reads       int64
	Writes      int64
	// Violations counts overlapping mutations of one page entry; any
	// non-zero value means the boundary failed to exclude.
	Violations int64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Cached:      c.pages.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Allocations: c.allocations.Load(),
		Evictions:   c.evictions.Load(),
		Reads:       c.reads.Load(),
		Writes:      c.writes.Load(),
		Violations:  c.pages.Violations(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("cached=%s hits=%s misses=%s allocations=%s evictions=%s reads=%s writes=%s violations=%d",
		humanize.Comma(int64(s.Cached)),
		humanize.Comma(s.Hits),
		humanize.Comma(s.Misses),
		humanize.Comma(s.Allocations),
		humanize.Comma(s.Evictions),
		humanize.Comma(s.Reads),
		humanize.Comma(s.Writes),
		s.Violations)
}
