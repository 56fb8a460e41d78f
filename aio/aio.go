// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package aio is the asynchronous block I/O substrate.
//
// Requests are spread over a fixed set of worker goroutines by a hash of
// their file offset. Each worker serves its queue in FIFO order, so two
// requests on the same block complete in submission order while requests on
// different blocks proceed in parallel. Completions are posted to the
// executor that submitted the request; they never run inside Submit*.
package aio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dacapoday/blkstore"
	"github.com/dgraph-io/ristretto/v2/z"
)

type Op uint8

const (
	Read Op = iota
	Write
	Sync
)

func (op Op) String() string {
	switch op {
	case Read:
		return "read"
	case Write:
		return "write"
	case Sync:
		return "sync"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Done receives the byte count and error of a finished transfer.
type Done func(n int, err error)

type request struct {
	op    Op
	file  blkstore.File
	off   int64
	buf   []byte
	exec  blkstore.Executor
	done  Done
	start time.Time
}

type Options struct {
	// Workers is the number of concurrent transfers. Defaults to 4.
	Workers int
	// QueueDepth bounds each worker queue; Submit blocks while it is full.
	// Defaults to 64.
	QueueDepth int
}

type Scheduler struct {
	shards []chan *request
	rw     sync.RWMutex
	closed bool
	closer *z.Closer

	mutex  sync.Mutex
	reads  *z.HistogramData
	writes *z.HistogramData
	syncs  *z.HistogramData
}

func New(opt Options) *Scheduler {
	workers := opt.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := opt.QueueDepth
	if depth <= 0 {
		depth = 64
	}

	// microsecond buckets from 1us to ~16s
	bounds := z.HistogramBounds(0, 24)
	s := &Scheduler{
		shards: make([]chan *request, workers),
		closer: z.NewCloser(workers),
		reads:  z.NewHistogramData(bounds),
		writes: z.NewHistogramData(bounds),
		syncs:  z.NewHistogramData(bounds),
	}
	for i := range s.shards {
		s.shards[i] = make(chan *request, depth)
		go s.work(s.shards[i])
	}
	return s
}

// SubmitRead schedules a read of len(buf) bytes at off into buf.
func (s *Scheduler) SubmitRead(file blkstore.File, off int64, buf []byte, exec blkstore.Executor, done Done) error {
	return s.submit(&request{op: Read, file: file, off: off, buf: buf, exec: exec, done: done})
}

// SubmitWrite schedules a write of buf at off.
func (s *Scheduler) SubmitWrite(file blkstore.File, off int64, buf []byte, exec blkstore.Executor, done Done) error {
	return s.submit(&request{op: Write, file: file, off: off, buf: buf, exec: exec, done: done})
}

// SubmitSync schedules a commit of the file to stable storage. It covers the
// writes whose completions have been delivered before the call; writes still
// queued may land after it.
func (s *Scheduler) SubmitSync(file blkstore.File, exec blkstore.Executor, done Done) error {
	return s.submit(&request{op: Sync, file: file, exec: exec, done: done})
}

func (s *Scheduler) submit(req *request) error {
	s.rw.RLock()
	defer s.rw.RUnlock()
	if s.closed {
		return blkstore.ErrClosed
	}
	req.start = time.Now()
	s.shards[s.shard(req.off)] <- req
	return nil
}

func (s *Scheduler) shard(off int64) int {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(off))
	return int(xxhash.Sum64(key[:]) % uint64(len(s.shards)))
}

// Close rejects new requests, waits for the queued ones to finish and stops
// the workers. Their completions are still posted to the executors.
func (s *Scheduler) Close() {
	s.rw.Lock()
	if s.closed {
		s.rw.Unlock()
		return
	}
	s.closed = true
	for _, shard := range s.shards {
		close(shard)
	}
	s.rw.Unlock()
	s.closer.Wait()
}

func (s *Scheduler) work(queue <-chan *request) {
	defer s.closer.Done()
	for req := range queue {
		s.serve(req)
	}
}

func (s *Scheduler) serve(req *request) {
	var n int
	var err error
	switch req.op {
	case Read:
		n, err = req.file.ReadAt(req.buf, req.off)
	case Write:
		n, err = req.file.WriteAt(req.buf, req.off)
	case Sync:
		err = req.file.Sync()
	}

	elapsed := time.Since(req.start).Microseconds()
	s.mutex.Lock()
	switch req.op {
	case Read:
		s.reads.Update(elapsed)
	case Write:
		s.writes.Update(elapsed)
	case Sync:
		s.syncs.Update(elapsed)
	}
	s.mutex.Unlock()

	done := req.done
	if !req.exec.Post(func() { done(n, err) }) {
		// executor already gone, nobody else can observe the result
		done(n, err)
	}
}

// Latency summarizes transfer times in microseconds.
type Latency struct {
	Count int64
	Mean  float64
	Min   int64
	Max   int64
}

func (l Latency) String() string {
	return fmt.Sprintf("n=%d mean=%.0fus min=%dus max=%dus", l.Count, l.Mean, l.Min, l.Max)
}

type Stats struct {
	Reads  Latency
	Writes Latency
	Syncs  Latency
}

func (s *Scheduler) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Stats{Reads: summarize(s.reads), Writes: summarize(s.writes), Syncs: summarize(s.syncs)}
}

func summarize(h *z.HistogramData) Latency {
	if h.Count == 0 {
		return Latency{}
	}
	return Latency{Count: h.Count, Mean: h.Mean(), Min: h.Min, Max: h.Max}
}
