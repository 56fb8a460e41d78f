package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dacapoday/blkstore"
	"github.com/dacapoday/blkstore/aio"
	"github.com/dacapoday/blkstore/cachelock"
	"github.com/dacapoday/blkstore/loop"
	"github.com/dacapoday/blkstore/mem"
	"github.com/dacapoday/blkstore/pagemap"
	"github.com/dacapoday/blkstore/replace"
	"github.com/dacapoday/blkstore/serializer"
	"github.com/dacapoday/blkstore/writeback"
	"github.com/stretchr/testify/require"
)

const blockSize = 4096

var errBoom = errors.New("boom")

// gate holds transfers until it is opened.
type gate struct {
	mutex sync.Mutex
	ch    chan struct{}
}

func (g *gate) hold() {
	g.mutex.Lock()
	g.ch = make(chan struct{})
	g.mutex.Unlock()
}

func (g *gate) open() {
	g.mutex.Lock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
	g.mutex.Unlock()
}

func (g *gate) pass() {
	g.mutex.Lock()
	ch := g.ch
	g.mutex.Unlock()
	if ch != nil {
		<-ch
	}
}

type gatedFile struct {
	*mem.File
	reads  gate
	writes gate
}

func (file *gatedFile) ReadAt(p []byte, off int64) (int, error) {
	file.reads.pass()
	return file.File.ReadAt(p, off)
}

func (file *gatedFile) WriteAt(p []byte, off int64) (int, error) {
	file.writes.pass()
	return file.File.WriteAt(p, off)
}

type options struct {
	capacity int
	cpus     int
	repl     Replacer
	wb       Writeback
	lock     CacheLock
}

type fixture struct {
	file  *gatedFile
	loops []*loop.Loop
	sched *aio.Scheduler
	ser   *serializer.Serializer
	pages *pagemap.Map
	wb    Writeback
	cache *Cache
}

func newFixture(t *testing.T, file *mem.File, opt options) *fixture {
	t.Helper()
	if opt.cpus == 0 {
		opt.cpus = 1
	}
	if opt.repl == nil {
		opt.repl = replace.NewLRU()
	}
	if opt.wb == nil {
		opt.wb = writeback.NewImmediate()
	}
	if opt.lock == nil {
		opt.lock = cachelock.NewGlobal()
	}

	f := &fixture{
		file:  &gatedFile{File: file},
		sched: aio.New(aio.Options{Workers: 4}),
		pages: pagemap.New(),
		wb:    opt.wb,
	}
	for i := range opt.cpus {
		f.loops = append(f.loops, loop.New(uint64(i)))
	}
	f.ser = serializer.New("mem", f.sched, serializer.Options{BlockSize: blockSize})
	require.NoError(t, f.ser.Load(f.file))
	f.cache = New(f.ser, f.pages, opt.repl, opt.wb, opt.lock, Options{Capacity: opt.capacity})
	t.Cleanup(f.shutdown)
	return f
}

func (f *fixture) shutdown() {
	f.file.reads.open()
	f.file.writes.open()
	f.sched.Close()
	for _, l := range f.loops {
		l.Close()
	}
	f.ser.Shutdown()
}

// do runs fn on the loop of cpu and waits for it.
func (f *fixture) do(cpu int, fn func(exec blkstore.Executor)) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec := f.loops[cpu]
	return exec.Call(ctx, func() { fn(exec) })
}

func wait[T any](fut *blkstore.Future[T]) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Wait(ctx)
}

func (f *fixture) tryAllocate(cpu int) (h *Handle, err error) {
	if cerr := f.do(cpu, func(exec blkstore.Executor) { h, err = f.cache.Allocate(exec) }); cerr != nil {
		return nil, cerr
	}
	return
}

func (f *fixture) tryAcquire(cpu int, id BlockID) (*Handle, error) {
	var fut *blkstore.Future[*Handle]
	if err := f.do(cpu, func(exec blkstore.Executor) { fut = f.cache.Acquire(exec, id) }); err != nil {
		return nil, err
	}
	return wait(fut)
}

func (f *fixture) tryRelease(cpu int, h *Handle, dirty bool) (err error) {
	if cerr := f.do(cpu, func(exec blkstore.Executor) { _, err = f.cache.Release(exec, h, dirty) }); cerr != nil {
		return cerr
	}
	return
}

func (f *fixture) tryFlush(cpu int) error {
	var fut *blkstore.Future[struct{}]
	if err := f.do(cpu, func(exec blkstore.Executor) { fut = f.cache.Flush(exec) }); err != nil {
		return err
	}
	_, err := wait(fut)
	return err
}

func (f *fixture) allocate(t *testing.T) *Handle {
	t.Helper()
	h, err := f.tryAllocate(0)
	require.NoError(t, err)
	return h
}

func (f *fixture) acquire(t *testing.T, id BlockID) *Handle {
	t.Helper()
	h, err := f.tryAcquire(0, id)
	require.NoError(t, err)
	return h
}

func (f *fixture) release(t *testing.T, h *Handle, dirty bool) {
	t.Helper()
	require.NoError(t, f.tryRelease(0, h, dirty))
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.tryFlush(0))
}

// entry reads the page entry of id on the loop that mutates it.
func (f *fixture) entry(t *testing.T, id BlockID) (state pagemap.State, pins, flushing int, ok bool) {
	t.Helper()
	require.NoError(t, f.do(0, func(blkstore.Executor) {
		if e := f.pages.Get(id); e != nil {
			state, pins, flushing, ok = e.State, e.Pins, e.Flushing, true
		}
	}))
	return
}

func (f *fixture) cached(id BlockID) bool {
	var ok bool
	f.do(0, func(blkstore.Executor) { ok = f.pages.Get(id) != nil })
	return ok
}

func (f *fixture) onDisk(id BlockID) []byte {
	data := make([]byte, blockSize)
	n, _ := f.file.File.ReadAt(data, int64(id)*blockSize)
	return data[:n]
}

func pattern(id BlockID, seed byte) []byte {
	data := bytes.Repeat([]byte{seed}, blockSize)
	binary.LittleEndian.PutUint64(data, uint64(id))
	return data
}

func TestScenario(t *testing.T) {
	file := new(mem.File)
	f := newFixture(t, file, options{capacity: 16})
	require.EqualValues(t, blockSize, file.Size())

	h := f.allocate(t)
	require.Equal(t, BlockID(1), h.ID())
	require.Equal(t, make([]byte, blockSize), h.Bytes())

	want := pattern(h.ID(), 0x5a)
	copy(h.Bytes(), want)
	f.release(t, h, true)

	h = f.acquire(t, 1)
	require.Equal(t, want, h.Bytes())
	f.release(t, h, false)

	f.flush(t)
	require.EqualValues(t, 2*blockSize, file.Size())
	require.Equal(t, want, f.onDisk(1))

	// nothing dirty left
	writes := file.Writes()
	f.flush(t)
	require.Equal(t, writes, file.Writes())

	stats := f.cache.Stats()
	require.EqualValues(t, 1, stats.Allocations)
	require.EqualValues(t, 1, stats.Hits)
	require.Zero(t, stats.Violations)
	require.Contains(t, stats.String(), "allocations=1")
}

func TestAcquireSuperblock(t *testing.T) {
	f := newFixture(t, new(mem.File), options{})
	h := f.acquire(t, blkstore.SuperblockID)
	require.Equal(t, make([]byte, blockSize), h.Bytes())
	f.release(t, h, false)
	require.EqualValues(t, 1, f.cache.Stats().Misses)
}

func TestAcquireUnallocatedPanics(t *testing.T) {
	f := newFixture(t, new(mem.File), options{})
	require.Panics(t, func() {
		f.cache.Acquire(f.loops[0], 1)
	})
}

func TestReleaseTwice(t *testing.T) {
	f := newFixture(t, new(mem.File), options{})
	h := f.allocate(t)
	f.release(t, h, false)
	require.ErrorIs(t, f.tryRelease(0, h, false), ErrReleased)
}

func TestMonotonicIDs(t *testing.T) {
	f := newFixture(t, new(mem.File), options{capacity: 4})
	var last BlockID
	for range 32 {
		h := f.allocate(t)
		require.NotEqual(t, blkstore.SuperblockID, h.ID())
		require.Greater(t, h.ID(), last)
		last = h.ID()
		f.release(t, h, false)
	}
}

func testRoundTrip(t *testing.T, newReplacer func() Replacer) {
	file := new(mem.File)
	f := newFixture(t, file, options{capacity: 3, repl: newReplacer()})

	var ids []BlockID
	for i := range 12 {
		h := f.allocate(t)
		copy(h.Bytes(), pattern(h.ID(), byte(i)))
		f.release(t, h, true)
		ids = append(ids, h.ID())
	}
	for i, id := range ids {
		h := f.acquire(t, id)
		require.Equal(t, pattern(id, byte(i)), h.Bytes(), "block %d", id)
		f.release(t, h, false)
	}
	require.Positive(t, f.cache.Stats().Evictions)
	require.Positive(t, f.cache.Stats().Misses)

	// and again after a restart
	f.flush(t)
	f.shutdown()
	file.Reopen()

	f = newFixture(t, file, options{capacity: 3, repl: newReplacer()})
	require.Equal(t, ids[len(ids)-1]+1, f.ser.NextID())
	for i, id := range ids {
		h := f.acquire(t, id)
		require.Equal(t, pattern(id, byte(i)), h.Bytes(), "block %d", id)
		f.release(t, h, false)
	}
}

func TestRoundTripLRU(t *testing.T) {
	testRoundTrip(t, func() Replacer { return replace.NewLRU() })
}

func TestRoundTripHot(t *testing.T) {
	testRoundTrip(t, func() Replacer {
		hot, err := replace.NewHot(2)
		require.NoError(t, err)
		t.Cleanup(hot.Close)
		return hot
	})
}

func TestNoneNeverEvicts(t *testing.T) {
	f := newFixture(t, new(mem.File), options{capacity: 1, repl: replace.None{}})
	for range 5 {
		f.release(t, f.allocate(t), false)
	}
	require.Equal(t, 5, f.cache.Len())
	require.Zero(t, f.cache.Stats().Evictions)
}

func TestPinnedNeverEvicted(t *testing.T) {
	f := newFixture(t, new(mem.File), options{capacity: 1})

	var handles []*Handle
	for i := range 3 {
		h := f.allocate(t)
		copy(h.Bytes(), pattern(h.ID(), byte(i)))
		handles = append(handles, h)
	}
	require.Equal(t, 3, f.cache.Len())
	require.Zero(t, f.cache.Stats().Evictions)
	for i, h := range handles {
		require.Equal(t, pattern(h.ID(), byte(i)), h.Bytes())
	}

	for _, h := range handles {
		f.release(t, h, true)
	}
	require.Eventually(t, func() bool { return f.cache.Len() <= 1 }, 5*time.Second, time.Millisecond)
	for i, h := range handles {
		if !f.cached(h.ID()) {
			require.Equal(t, pattern(h.ID(), byte(i)), f.onDisk(h.ID()))
		}
	}
}

func TestDirtyFlushedBeforeRemoval(t *testing.T) {
	file := new(mem.File)
	f := newFixture(t, file, options{capacity: 1})

	a := f.allocate(t)
	want := pattern(a.ID(), 0xaa)
	copy(a.Bytes(), want)
	f.release(t, a, true)

	f.file.writes.hold()
	b := f.allocate(t)

	state, _, flushing, ok := f.entry(t, a.ID())
	require.True(t, ok, "dirty page removed before its write completed")
	require.Equal(t, pagemap.Evicting, state)
	require.Equal(t, 1, flushing)
	require.False(t, f.wb.IsDirty(a.ID()))
	require.EqualValues(t, blockSize, file.Size())

	f.file.writes.open()
	require.Eventually(t, func() bool { return !f.cached(a.ID()) }, 5*time.Second, time.Millisecond)
	require.Equal(t, want, f.onDisk(a.ID()))
	require.EqualValues(t, 1, f.cache.Stats().Evictions)

	f.release(t, b, false)
}

func TestFlushWaitsForEviction(t *testing.T) {
	file := new(mem.File)
	f := newFixture(t, file, options{capacity: 1})

	a := f.allocate(t)
	want := pattern(a.ID(), 0xaa)
	copy(a.Bytes(), want)
	f.release(t, a, true)

	// a is clean for the writeback policy while its eviction write is stalled
	f.file.writes.hold()
	b := f.allocate(t)
	require.False(t, f.wb.IsDirty(a.ID()))
	syncs := file.Syncs()

	var fut *blkstore.Future[struct{}]
	require.NoError(t, f.do(0, func(exec blkstore.Executor) { fut = f.cache.Flush(exec) }))
	time.Sleep(20 * time.Millisecond)
	require.False(t, fut.Done(), "flush resolved before block %d reached the file", a.ID())
	require.Equal(t, syncs, file.Syncs())

	f.file.writes.open()
	_, err := wait(fut)
	require.NoError(t, err)
	require.Equal(t, want, f.onDisk(a.ID()))
	require.Equal(t, syncs+1, file.Syncs())

	f.release(t, b, false)
}

func TestFlushWaitsForWriteThrough(t *testing.T) {
	file := new(mem.File)
	f := newFixture(t, file, options{wb: writeback.Fallthrough{}})

	h := f.allocate(t)
	want := pattern(h.ID(), 0x3c)
	copy(h.Bytes(), want)
	f.file.writes.hold()
	f.release(t, h, true)

	var fut *blkstore.Future[struct{}]
	require.NoError(t, f.do(0, func(exec blkstore.Executor) { fut = f.cache.Flush(exec) }))
	time.Sleep(20 * time.Millisecond)
	require.False(t, fut.Done())

	f.file.writes.open()
	_, err := wait(fut)
	require.NoError(t, err)
	require.Equal(t, want, f.onDisk(h.ID()))
}

func TestAcquireCancelsEviction(t *testing.T) {
	f := newFixture(t, new(mem.File), options{capacity: 1})

	a := f.allocate(t)
	want := pattern(a.ID(), 0x11)
	copy(a.Bytes(), want)
	f.release(t, a, true)

	f.file.writes.hold()
	b := f.allocate(t)
	state, _, _, _ := f.entry(t, a.ID())
	require.Equal(t, pagemap.Evicting, state)

	a = f.acquire(t, a.ID())
	require.Equal(t, want, a.Bytes())
	state, pins, _, _ := f.entry(t, a.ID())
	require.Equal(t, pagemap.Resident, state)
	require.Equal(t, 1, pins)

	f.file.writes.open()
	require.Eventually(t, func() bool {
		_, _, flushing, _ := f.entry(t, a.ID())
		return flushing == 0
	}, 5*time.Second, time.Millisecond)
	require.True(t, f.cached(a.ID()))
	require.Equal(t, want, f.onDisk(a.ID()))

	f.release(t, a, false)
	f.release(t, b, false)
}

func TestLoadingWaitersInOrder(t *testing.T) {
	f := newFixture(t, new(mem.File), options{capacity: 1})

	a := f.allocate(t)
	want := pattern(a.ID(), 0x77)
	copy(a.Bytes(), want)
	f.release(t, a, true)
	f.flush(t)
	// a is clean now and goes as soon as b takes its place
	f.release(t, f.allocate(t), false)
	require.False(t, f.cached(a.ID()))

	f.file.reads.hold()
	order := make(chan int, 2)
	handles := make(chan *Handle, 2)
	require.NoError(t, f.do(0, func(exec blkstore.Executor) {
		for i := range 2 {
			f.cache.Acquire(exec, a.ID()).Then(exec, func(h *Handle, err error) {
				if err == nil {
					handles <- h
				}
				order <- i
			})
		}
	}))
	state, pins, _, ok := f.entry(t, a.ID())
	require.True(t, ok)
	require.Equal(t, pagemap.Loading, state)
	require.Equal(t, 2, pins)

	f.file.reads.open()
	require.Equal(t, 0, <-order)
	require.Equal(t, 1, <-order)
	for range 2 {
		h := <-handles
		require.Equal(t, want, h.Bytes())
		f.release(t, h, false)
	}
	// the second acquire joined the read, it was not served from memory
	stats := f.cache.Stats()
	require.Zero(t, stats.Hits)
	require.EqualValues(t, 2, stats.Misses)
	require.EqualValues(t, 1, stats.Reads)
}

func TestFallthrough(t *testing.T) {
	file := new(mem.File)
	f := newFixture(t, file, options{capacity: 1, wb: writeback.Fallthrough{}})

	h := f.allocate(t)
	want := pattern(h.ID(), 0x42)
	copy(h.Bytes(), want)
	f.release(t, h, true)
	require.Zero(t, f.cache.Len())

	// the scheduler orders the read after the write of the same block
	h = f.acquire(t, h.ID())
	require.Equal(t, want, h.Bytes())
	require.Zero(t, f.cache.Len())
	f.release(t, h, false)

	writes := file.Writes()
	f.flush(t)
	require.Equal(t, writes, file.Writes())

	stats := f.cache.Stats()
	require.EqualValues(t, 1, stats.Reads)
	require.EqualValues(t, 1, stats.Writes)
}

func TestReadFailureHalts(t *testing.T) {
	file := new(mem.File)
	f := newFixture(t, file, options{})
	h := f.allocate(t)
	f.release(t, h, true)
	f.flush(t)
	f.shutdown()
	file.Reopen()

	f = newFixture(t, file, options{})
	file.FailReads(errBoom)
	_, err := f.tryAcquire(0, h.ID())
	require.ErrorIs(t, err, errBoom)
	require.False(t, f.cached(h.ID()))

	_, err = f.tryAllocate(0)
	require.ErrorIs(t, err, ErrHalted)
	require.ErrorIs(t, f.cache.Err(), errBoom)
}

func TestWriteFailureHalts(t *testing.T) {
	file := new(mem.File)
	f := newFixture(t, file, options{})
	h := f.allocate(t)
	f.release(t, h, true)

	file.FailWrites(errBoom)
	require.ErrorIs(t, f.tryFlush(0), errBoom)
	require.True(t, f.wb.IsDirty(h.ID()))

	_, err := f.tryAcquire(0, h.ID())
	require.ErrorIs(t, err, ErrHalted)
	require.ErrorIs(t, f.tryFlush(0), ErrHalted)
}

func testConcurrent(t *testing.T, lock CacheLock) {
	const (
		cpus   = 4
		blocks = 24
		shared = 8
	)
	f := newFixture(t, new(mem.File), options{capacity: 8, cpus: cpus, lock: lock})

	var sharedIDs []BlockID
	for i := range shared {
		h := f.allocate(t)
		copy(h.Bytes(), pattern(h.ID(), byte(i)))
		f.release(t, h, true)
		sharedIDs = append(sharedIDs, h.ID())
	}

	var wg sync.WaitGroup
	errs := make(chan error, cpus)
	owned := make([][]BlockID, cpus)
	for cpu := range cpus {
		wg.Go(func() {
			errs <- func() error {
				for i := range blocks {
					h, err := f.tryAllocate(cpu)
					if err != nil {
						return err
					}
					copy(h.Bytes(), pattern(h.ID(), byte(cpu)))
					if err = f.tryRelease(cpu, h, true); err != nil {
						return err
					}
					owned[cpu] = append(owned[cpu], h.ID())

					id := sharedIDs[(i+cpu)%shared]
					if h, err = f.tryAcquire(cpu, id); err != nil {
						return err
					}
					if !bytes.Equal(pattern(id, byte((i+cpu)%shared)), h.Bytes()) {
						return fmt.Errorf("cpu %d: shared block %d corrupted", cpu, id)
					}
					if err = f.tryRelease(cpu, h, false); err != nil {
						return err
					}
				}
				return nil
			}()
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for cpu, ids := range owned {
		for _, id := range ids {
			h := f.acquire(t, id)
			require.Equal(t, pattern(id, byte(cpu)), h.Bytes(), "block %d", id)
			f.release(t, h, false)
		}
	}
	require.NoError(t, f.tryFlush(1))
	require.Zero(t, f.cache.Stats().Violations)
	require.Zero(t, f.pages.Violations())
}

func TestConcurrentGlobal(t *testing.T) {
	testConcurrent(t, cachelock.NewGlobal())
}

func TestConcurrentStriped(t *testing.T) {
	testConcurrent(t, cachelock.NewStriped(16))
}
