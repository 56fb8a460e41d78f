// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package serializer owns the backing file of the engine: it maps block ids
// to byte offsets, hands out new block ids and moves blocks between buffers
// and disk through the aio scheduler.
//
// Block 0 is the superblock. A new file is created holding exactly one
// zero-filled superblock, so the first allocated id is 1.
package serializer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dacapoday/blkstore"
	"github.com/dacapoday/blkstore/aio"
	"github.com/dacapoday/blkstore/internal/assert"
	"github.com/dustin/go-humanize"
)

type BlockID = blkstore.BlockID

var (
	ErrNotReady         = blkstore.ErrNotReady
	ErrHalted           = blkstore.ErrHalted
	ErrInvalidBlockSize = blkstore.ErrInvalidBlockSize
	ErrFileTruncated    = blkstore.ErrFileTruncated
	ErrMisaligned       = blkstore.ErrMisaligned
	ErrShortRead        = blkstore.ErrShortRead
	ErrUnallocated      = blkstore.ErrUnallocated
)

type State int32

const (
	Unstarted State = iota
	Starting
	Ready
	ShutDown
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case ShutDown:
		return "shut down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	// BlockSize must be a positive multiple of blkstore.MinBlockSize.
	BlockSize int
	// DirectIO opens the file bypassing the OS page cache where supported.
	DirectIO bool
	Logger   *slog.Logger
}

type Serializer struct {
	path  string
	sched *aio.Scheduler
	log   *slog.Logger

	file      blkstore.File
	blockSize int64
	direct    bool

	// logical size in bytes; grows by one block per generated id
	size  atomic.Int64
	state atomic.Int32

	mutex   sync.Mutex
	failure error

	deletes atomic.Int64
}

// New prepares a serializer for the file at path. Nothing is opened until
// Start.
func New(path string, sched *aio.Scheduler, opt Options) *Serializer {
	log := opt.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Serializer{
		path:      path,
		sched:     sched,
		log:       log.With("component", "serializer"),
		blockSize: int64(opt.BlockSize),
		direct:    opt.DirectIO,
	}
}

func (s *Serializer) State() State {
	return State(s.state.Load())
}

func (s *Serializer) BlockSize() int {
	return int(s.blockSize)
}

// Start opens (creating if absent) the backing file and makes the serializer
// ready. The caller is expected to treat a failure as fatal.
func (s *Serializer) Start() (err error) {
	if err = s.begin(); err != nil {
		return
	}
	file, err := openFile(s.path, s.direct, s.log)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	return s.load(file)
}

// Load starts the serializer on an already opened file.
func (s *Serializer) Load(file blkstore.File) (err error) {
	if err = s.begin(); err != nil {
		return
	}
	return s.load(file)
}

func (s *Serializer) begin() error {
	if !blkstore.ValidBlockSize(int(s.blockSize)) {
		return fmt.Errorf("%w %d", ErrInvalidBlockSize, s.blockSize)
	}
	if !s.state.CompareAndSwap(int32(Unstarted), int32(Starting)) {
		return fmt.Errorf("start in state %v: %w", s.State(), ErrNotReady)
	}
	return nil
}

func (s *Serializer) load(file blkstore.File) (err error) {
	s.file = file

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	size := info.Size()
	if size%s.blockSize != 0 {
		return fmt.Errorf("%w: size %d is not a multiple of %d", ErrFileTruncated, size, s.blockSize)
	}
	if size == 0 {
		if err = file.Truncate(s.blockSize); err != nil {
			return fmt.Errorf("init superblock: %w", err)
		}
		if err = file.Sync(); err != nil {
			return fmt.Errorf("init superblock: %w", err)
		}
		size = s.blockSize
	}

	s.size.Store(size)
	s.state.Store(int32(Ready))
	s.log.Info("serializer ready",
		"path", s.path,
		"size", humanize.IBytes(uint64(size)),
		"blocks", size/s.blockSize,
		"block_size", humanize.IBytes(uint64(s.blockSize)))
	return
}

func (s *Serializer) ready(op string) error {
	state := s.State()
	assert.That(state == Ready, "serializer: %s in state %v", op, state)
	if state != Ready {
		return fmt.Errorf("%s in state %v: %w", op, state, ErrNotReady)
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrHalted, err)
	}
	return nil
}

// Err returns the I/O failure that halted the serializer, if any.
func (s *Serializer) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.failure
}

func (s *Serializer) fail(op string, id BlockID, err error) error {
	err = fmt.Errorf("%s block(%d): %w", op, id, err)
	s.mutex.Lock()
	first := s.failure == nil
	if first {
		s.failure = err
	}
	s.mutex.Unlock()
	if first {
		s.log.Error("serializer halted", "op", op, "block", id, "err", err)
	}
	return err
}

// GenBlockID returns the next block id and grows the logical size by one
// block. It never returns the superblock id. Callers serialize calls.
func (s *Serializer) GenBlockID() (id BlockID, err error) {
	if err = s.ready("gen_block_id"); err != nil {
		return
	}
	id = BlockID(s.size.Add(s.blockSize)/s.blockSize - 1)
	assert.That(id != blkstore.SuperblockID, "serializer: generated superblock id")
	return
}

// NextID returns the id the next GenBlockID call hands out. Every id below it
// has been allocated.
func (s *Serializer) NextID() BlockID {
	return BlockID(s.size.Load() / s.blockSize)
}

// Offset returns the byte offset of block id.
func (s *Serializer) Offset(id BlockID) int64 {
	return int64(id) * s.blockSize
}

// Deletes returns the number of deletion placeholders accepted by DoWrite.
func (s *Serializer) Deletes() int64 {
	return s.deletes.Load()
}

func (s *Serializer) checkBuffer(buf *blkstore.Buffer) error {
	if buf.Len() != int(s.blockSize) {
		return fmt.Errorf("%w: buffer of %d bytes", ErrInvalidBlockSize, buf.Len())
	}
	if !buf.Aligned() {
		return ErrMisaligned
	}
	return nil
}

// DoRead schedules a read of block id into buf. It is always asynchronous:
// done runs on exec on a later turn, even when the data is at hand. buf
// belongs to the serializer until then.
//
// An allocated block that was never written reads as zeros.
func (s *Serializer) DoRead(exec blkstore.Executor, id BlockID, buf *blkstore.Buffer, done func(err error)) (err error) {
	if err = s.ready("do_read"); err != nil {
		return
	}
	if err = s.checkBuffer(buf); err != nil {
		return
	}

	data := buf.Bytes()
	err = s.sched.SubmitRead(s.file, s.Offset(id), data, exec, func(n int, err error) {
		switch {
		case err == nil && n == len(data):
		case errors.Is(err, io.EOF) && id < s.NextID():
			clear(data[n:])
			err = nil
		case errors.Is(err, io.EOF):
			err = s.fail("read", id, ErrUnallocated)
		case err == nil:
			err = s.fail("read", id, fmt.Errorf("%w: %d of %d bytes", ErrShortRead, n, len(data)))
		default:
			err = s.fail("read", id, err)
		}
		done(err)
	})
	if err != nil {
		err = s.fail("read", id, err)
	}
	return
}

// DoWrite schedules a batch of block writes.
//
// Requests without a buffer are deletion placeholders; deleting blocks is not
// supported at this layer, so they are counted and otherwise ignored. When the
// batch holds no real write, DoWrite reports completed and leaves txn
// untouched. Otherwise txn is begun with the number of real writes and
// completes asynchronously on exec; txn must not be outstanding already.
func (s *Serializer) DoWrite(exec blkstore.Executor, reqs []blkstore.WriteRequest, txn *blkstore.Txn) (completed bool, err error) {
	if err = s.ready("do_write"); err != nil {
		return
	}

	writes := 0
	for i := range reqs {
		if reqs[i].Buf == nil {
			s.deletes.Add(1)
			s.log.Debug("block deletion unsupported, ignored", "block", reqs[i].ID)
			continue
		}
		if err = s.checkBuffer(reqs[i].Buf); err != nil {
			return
		}
		writes++
	}
	if writes == 0 {
		completed = true
		return
	}

	txn.Begin(writes)
	for _, req := range reqs {
		if req.Buf == nil {
			continue
		}
		data := req.Buf.Bytes()
		finish := func(n int, err error) {
			if err == nil && n != len(data) {
				err = io.ErrShortWrite
			}
			if err != nil {
				err = s.fail("write", req.ID, err)
			}
			if req.Done != nil {
				req.Done(err)
			}
			txn.Complete(err)
		}
		if serr := s.sched.SubmitWrite(s.file, s.Offset(req.ID), data, exec, finish); serr != nil {
			if !exec.Post(func() { finish(0, serr) }) {
				finish(0, serr)
			}
		}
	}
	return
}

// Sync schedules a commit of every write completed so far to stable storage.
// done runs on exec on a later turn.
func (s *Serializer) Sync(exec blkstore.Executor, done func(err error)) (err error) {
	if err = s.ready("sync"); err != nil {
		return
	}
	err = s.sched.SubmitSync(s.file, exec, func(_ int, err error) {
		if err != nil {
			err = s.fail("sync", blkstore.SuperblockID, err)
		}
		done(err)
	})
	if err != nil {
		err = s.fail("sync", blkstore.SuperblockID, err)
	}
	return
}

// Shutdown closes the backing file. It is legal from Ready or Starting.
func (s *Serializer) Shutdown() (err error) {
	if !s.state.CompareAndSwap(int32(Ready), int32(ShutDown)) &&
		!s.state.CompareAndSwap(int32(Starting), int32(ShutDown)) {
		return fmt.Errorf("shutdown in state %v: %w", s.State(), ErrNotReady)
	}
	if s.file != nil {
		if err = s.file.Sync(); err == nil {
			err = s.file.Close()
		} else {
			s.file.Close()
		}
	}
	s.log.Info("serializer shut down", "path", s.path, "blocks", s.NextID(), "err", err)
	return
}
