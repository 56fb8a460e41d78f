package blkstore

import (
	"sync"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Alignment of every Buffer, large enough for direct I/O on common devices.
const Alignment = 4096

// MinBlockSize is the smallest block size accepted. Block sizes must be
// multiples of it.
const MinBlockSize = 512

// ValidBlockSize reports whether size can be used as a block size.
func ValidBlockSize(size int) bool {
	return size >= MinBlockSize && size%MinBlockSize == 0
}

func alignUp[T constraints.Integer](n, align T) T {
	return (n + align - 1) / align * align
}

func aligned[T constraints.Integer](n, align T) bool {
	return n%align == 0
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Buffer is one block worth of memory aligned to Alignment.
//
// A Buffer has exactly one owner at a time: the serializer while a transfer is
// in flight, the page map while the block is cached, or the caller between
// acquire and release. Hand it over by pointer, never by value.
type Buffer struct {
	_    noCopy
	data []byte
}

// NewBuffer allocates a zeroed, aligned buffer of size bytes.
func NewBuffer(size int) *Buffer {
	raw := make([]byte, size+Alignment)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := int(alignUp(base, Alignment) - base)
	return &Buffer{data: raw[off : off+size : off+size]}
}

// Bytes returns the block contents. The slice is only valid while the
// caller owns the buffer.
func (buf *Buffer) Bytes() []byte {
	return buf.data
}

func (buf *Buffer) Len() int {
	return len(buf.data)
}

// Aligned reports whether the buffer satisfies Alignment.
func (buf *Buffer) Aligned() bool {
	return aligned(uintptr(unsafe.Pointer(unsafe.SliceData(buf.data))), Alignment)
}

func (buf *Buffer) Zero() {
	clear(buf.data)
}

// CopyFrom overwrites buf with src and returns buf.
func (buf *Buffer) CopyFrom(src *Buffer) *Buffer {
	copy(buf.data, src.data)
	return buf
}

// Pool recycles buffers of one block size.
type Pool struct {
	pool sync.Pool
	size int
}

func NewPool(blockSize int) *Pool {
	p := &Pool{size: blockSize}
	p.pool.New = func() any { return NewBuffer(blockSize) }
	return p
}

func (p *Pool) BlockSize() int {
	return p.size
}

// Get returns a buffer with undefined contents.
func (p *Pool) Get() *Buffer {
	return p.pool.Get().(*Buffer)
}

// GetZeroed returns a buffer filled with zeros.
func (p *Pool) GetZeroed() *Buffer {
	buf := p.Get()
	buf.Zero()
	return buf
}

// Put recycles buf. The caller gives up ownership.
func (p *Pool) Put(buf *Buffer) {
	if buf == nil || buf.Len() != p.size {
		return
	}
	p.pool.Put(buf)
}
