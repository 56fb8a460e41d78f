// Package mem provides an in-memory blkstore.File for tests and tools.
package mem

import (
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dacapoday/blkstore"
)

// File is an in-memory implementation of the blkstore.File interface.
// It is safe for concurrent use by multiple goroutines.
//
// File requires no initialization - just declare and use:
//
//	var f File
//	f.WriteAt([]byte("hello"), 0)
//
// Unlike an *os.File, closing a File keeps its contents so that a closed file
// can be reopened to simulate a process restart.
type File struct {
	rw     sync.RWMutex
	data   []byte
	closed bool

	readErr  error
	writeErr error

	reads  atomic.Int64
	writes atomic.Int64
	syncs  atomic.Int64
}

var _ blkstore.File = new(File)

// Close marks the file closed. Later reads and writes fail with os.ErrClosed
// until Reopen is called.
func (file *File) Close() error {
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.closed {
		return os.ErrClosed
	}
	file.closed = true
	return nil
}

// Reopen makes a closed file usable again with its contents intact.
func (file *File) Reopen() {
	file.rw.Lock()
	file.closed = false
	file.rw.Unlock()
}

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return int64(len(file.data))
}

// Reads returns the number of ReadAt calls that reached the file.
func (file *File) Reads() int64 {
	return file.reads.Load()
}

// Writes returns the number of WriteAt calls that reached the file.
func (file *File) Writes() int64 {
	return file.writes.Load()
}

// Syncs returns the number of Sync calls on the open file.
func (file *File) Syncs() int64 {
	return file.syncs.Load()
}

// FailReads makes every later ReadAt fail with err. A nil err clears the fault.
func (file *File) FailReads(err error) {
	file.rw.Lock()
	file.readErr = err
	file.rw.Unlock()
}

// FailWrites makes every later WriteAt fail with err. A nil err clears the fault.
func (file *File) FailWrites(err error) {
	file.rw.Lock()
	file.writeErr = err
	file.rw.Unlock()
}

// WriteAt writes len(p) bytes from p at offset off, growing the file with
// zero bytes when the write ends past the current size.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.closed {
		return 0, os.ErrClosed
	}
	file.writes.Add(1)
	if file.writeErr != nil {
		return 0, file.writeErr
	}
	if end := off + int64(len(p)); end > int64(len(file.data)) {
		file.grow(end)
	}
	return copy(file.data[off:], p), nil
}

// ReadAt reads len(p) bytes at offset off. Reading past the end returns the
// bytes available and io.EOF.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	file.rw.RLock()
	defer file.rw.RUnlock()
	if file.closed {
		return 0, os.ErrClosed
	}
	file.reads.Add(1)
	if file.readErr != nil {
		return 0, file.readErr
	}
	if off >= int64(len(file.data)) {
		return 0, io.EOF
	}
	n = copy(p, file.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// Truncate changes the size of the file. Growing fills with zero bytes.
func (file *File) Truncate(size int64) error {
	if size < 0 {
		return fs.ErrInvalid
	}
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.closed {
		return os.ErrClosed
	}
	if size > int64(len(file.data)) {
		file.grow(size)
	} else {
		clear(file.data[size:])
		file.data = file.data[:size]
	}
	return nil
}

// Sync is a no-op for in-memory files.
func (file *File) Sync() error {
	file.rw.RLock()
	defer file.rw.RUnlock()
	if file.closed {
		return os.ErrClosed
	}
	file.syncs.Add(1)
	return nil
}

func (file *File) Stat() (os.FileInfo, error) {
	return fileInfo{size: file.Size()}, nil
}

func (file *File) grow(size int64) {
	if size <= int64(cap(file.data)) {
		file.data = file.data[:size]
		return
	}
	data := make([]byte, size, max(size, 2*int64(cap(file.data))))
	copy(data, file.data)
	file.data = data
}

type fileInfo struct{ size int64 }

func (fi fileInfo) Name() string       { return "mem" }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return 0600 }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }
