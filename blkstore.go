// Package blkstore defines the shared contracts of a block-oriented storage
// engine core: block identifiers, the backing file, aligned block buffers,
// single-completion futures and write transactions.
//
// The engine is split into small packages wired together by package engine:
//
//	aio         asynchronous block I/O substrate
//	loop        cooperative worker contexts ("CPUs")
//	serializer  block id allocation and offset-addressed transfers on one file
//	cachelock   the concurrency-control boundary around cache mutation
//	pagemap     BlockID -> in-memory page entry
//	replace     page replacement policies
//	writeback   writeback policies
//	cache       the buffer cache composing all of the above
package blkstore

import (
	"io"
	"os"
)

// BlockID identifies a fixed-size block of the backing file.
// Block b occupies bytes [b*blockSize, (b+1)*blockSize).
type BlockID uint64

// SuperblockID is reserved for metadata owned by the layers above the cache.
// It is never returned by allocation.
const SuperblockID BlockID = 0

// File provides access to the storage backend.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	Sync() error

	// Stat reports the current size of the file among other attributes.
	Stat() (os.FileInfo, error)
}

// Executor is one cooperative worker context. Continuations of operations
// started on an Executor are posted back to it and run on its goroutine.
type Executor interface {
	// ID is unique among the executors sharing a cache.
	ID() uint64

	// Post schedules fn to run on the executor. It never runs fn inline
	// and reports false if the executor is closed.
	Post(fn func()) bool
}

// Guard is a held concurrency-control boundary. End releases it.
type Guard interface {
	End()
}
