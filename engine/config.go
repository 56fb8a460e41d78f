package engine

import (
	"fmt"
	"log/slog"

	"github.com/dacapoday/blkstore"
)

const (
	ReplaceNone = "none"
	ReplaceLRU  = "lru"
	ReplaceHot  = "hot"

	WritebackImmediate   = "immediate"
	WritebackFallthrough = "fallthrough"

	LockGlobal  = "global"
	LockStriped = "striped"
)

// Config assembles an engine.
type Config struct {
	// Path of the backing file, created when absent.
	Path      string
	BlockSize int

	// CPUs is the number of event loops sharing the cache.
	CPUs       int
	IOWorkers  int
	QueueDepth int

	// Capacity is the number of cached blocks above which the cache evicts.
	Capacity    int
	Replacement string
	// HotSetSize bounds the hot set of the "hot" replacement policy.
	HotSetSize int
	Writeback  string
	Lock       string
	// Stripes is the number of stripes of the "striped" lock.
	Stripes int

	DirectIO bool
	Logger   *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "./data.blk",
		BlockSize:   4096,
		CPUs:        1,
		IOWorkers:   4,
		QueueDepth:  64,
		Capacity:    1024,
		Replacement: ReplaceLRU,
		HotSetSize:  256,
		Writeback:   WritebackImmediate,
		Lock:        LockGlobal,
		Stripes:     64,
		DirectIO:    true,
	}
}

func (cfg *Config) Validate() error {
	switch {
	case !blkstore.ValidBlockSize(cfg.BlockSize):
		return fmt.Errorf("%w: block size %d is not a positive multiple of %d", blkstore.ErrInvalidConfig, cfg.BlockSize, blkstore.MinBlockSize)
	case cfg.CPUs < 1:
		return fmt.Errorf("%w: %d cpus", blkstore.ErrInvalidConfig, cfg.CPUs)
	case cfg.IOWorkers < 1:
		return fmt.Errorf("%w: %d io workers", blkstore.ErrInvalidConfig, cfg.IOWorkers)
	case cfg.QueueDepth < 0:
		return fmt.Errorf("%w: queue depth %d", blkstore.ErrInvalidConfig, cfg.QueueDepth)
	case cfg.Capacity < 0:
		return fmt.Errorf("%w: capacity %d", blkstore.ErrInvalidConfig, cfg.Capacity)
	}

	switch cfg.Replacement {
	case ReplaceNone, ReplaceLRU:
	case ReplaceHot:
		if cfg.HotSetSize < 1 {
			return fmt.Errorf("%w: hot set size %d", blkstore.ErrInvalidConfig, cfg.HotSetSize)
		}
	default:
		return fmt.Errorf("%w: unknown replacement %q", blkstore.ErrInvalidConfig, cfg.Replacement)
	}

	switch cfg.Writeback {
	case WritebackImmediate, WritebackFallthrough:
	default:
		return fmt.Errorf("%w: unknown writeback %q", blkstore.ErrInvalidConfig, cfg.Writeback)
	}

	switch cfg.Lock {
	case LockGlobal:
	case LockStriped:
		if cfg.Stripes < 1 {
			return fmt.Errorf("%w: %d stripes", blkstore.ErrInvalidConfig, cfg.Stripes)
		}
	default:
		return fmt.Errorf("%w: unknown lock %q", blkstore.ErrInvalidConfig, cfg.Lock)
	}
	return nil
}
