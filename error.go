package blkstore

import "errors"

var (
	ErrClosed           = errors.New("closed")
	ErrNotReady         = errors.New("not ready")
	ErrHalted           = errors.New("halted")
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrFileTruncated    = errors.New("file truncated")
	ErrMisaligned       = errors.New("buffer not aligned")
	ErrShortRead        = errors.New("short read")
	ErrUnallocated      = errors.New("unallocated block")
	ErrTxnInUse         = errors.New("transaction callback in use")
	ErrPending          = errors.New("pending")
	ErrReleased         = errors.New("handle released")
)
