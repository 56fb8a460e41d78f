// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package engine assembles a storage engine from a Config: the event loops,
// the I/O scheduler, the serializer and a buffer cache with the configured
// policies.
//
// Besides exposing the parts for callers that run their own state machines
// on the loops, an Engine offers blocking Allocate, View, Update and Flush
// for callers outside any loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dacapoday/blkstore"
	"github.com/dacapoday/blkstore/aio"
	"github.com/dacapoday/blkstore/cache"
	"github.com/dacapoday/blkstore/cachelock"
	"github.com/dacapoday/blkstore/loop"
	"github.com/dacapoday/blkstore/pagemap"
	"github.com/dacapoday/blkstore/replace"
	"github.com/dacapoday/blkstore/serializer"
	"github.com/dacapoday/blkstore/writeback"
	"github.com/dustin/go-humanize"
)

type BlockID = blkstore.BlockID

var (
	ErrClosed      = blkstore.ErrClosed
	ErrUnallocated = blkstore.ErrUnallocated
)

type Engine struct {
	cfg   Config
	log   *slog.Logger
	loops []*loop.Loop
	sched *aio.Scheduler
	ser   *serializer.Serializer
	cache *cache.Cache
	hot   *replace.Hot

	closed atomic.Bool
}

// Open opens (creating if absent) the file at cfg.Path.
func Open(cfg Config) (*Engine, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", blkstore.ErrInvalidConfig)
	}
	return open(cfg, nil)
}

// OpenFile runs an engine on an already opened file. cfg.Path only names it
// in logs.
func OpenFile(file blkstore.File, cfg Config) (*Engine, error) {
	return open(cfg, file)
}

func open(cfg Config, file blkstore.File) (e *Engine, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	e = &Engine{cfg: cfg, log: log.With("component", "engine")}
	repl, err := e.replacer()
	if err != nil {
		return nil, err
	}

	e.sched = aio.New(aio.Options{Workers: cfg.IOWorkers, QueueDepth: cfg.QueueDepth})
	e.ser = serializer.New(cfg.Path, e.sched, serializer.Options{
		BlockSize: cfg.BlockSize,
		DirectIO:  cfg.DirectIO,
		Logger:    log,
	})
	if file == nil {
		err = e.ser.Start()
	} else {
		err = e.ser.Load(file)
	}
	if err != nil {
		e.sched.Close()
		e.ser.Shutdown()
		if e.hot != nil {
			e.hot.Close()
		}
		return nil, err
	}

	var wb cache.Writeback = writeback.NewImmediate()
	if cfg.Writeback == WritebackFallthrough {
		wb = writeback.Fallthrough{}
	}
	var lock cache.CacheLock = cachelock.NewGlobal()
	if cfg.Lock == LockStriped {
		lock = cachelock.NewStriped(cfg.Stripes)
	}

	e.cache = cache.New(e.ser, pagemap.New(), repl, wb, lock, cache.Options{
		Capacity: cfg.Capacity,
		Logger:   log,
	})
	for i := range cfg.CPUs {
		e.loops = append(e.loops, loop.New(uint64(i)))
	}

	e.log.Info("engine open",
		"path", cfg.Path,
		"cpus", cfg.CPUs,
		"capacity", humanize.IBytes(uint64(cfg.Capacity)*uint64(cfg.BlockSize)),
		"replacement", cfg.Replacement,
		"writeback", cfg.Writeback,
		"lock", cfg.Lock)
	return
}

func (e *Engine) replacer() (cache.Replacer, error) {
	switch e.cfg.Replacement {
	case ReplaceNone:
		return replace.None{}, nil
	case ReplaceHot:
		hot, err := replace.NewHot(e.cfg.HotSetSize)
		if err != nil {
			return nil, err
		}
		e.hot = hot
		return hot, nil
	default:
		return replace.NewLRU(), nil
	}
}

// CPUs returns the number of event loops.
func (e *Engine) CPUs() int {
	return len(e.loops)
}

// CPU returns the executor of event loop i.
func (e *Engine) CPU(i int) *loop.Loop {
	return e.loops[i]
}

func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

func (e *Engine) Serializer() *serializer.Serializer {
	return e.ser
}

type Stats struct {
	Blocks  BlockID
	Deletes int64
	Cache   cache.Stats
	IO      aio.Stats
}

func (e *Engine) Stats() Stats {
	return Stats{
		Blocks:  e.ser.NextID(),
		Deletes: e.ser.Deletes(),
		Cache:   e.cache.Stats(),
		IO:      e.sched.Stats(),
	}
}

// run posts fn to the loop of cpu and waits until fn calls done.
func run[T any](ctx context.Context, e *Engine, cpu int, fn func(exec blkstore.Executor, done func(T, error))) (val T, err error) {
	if e.closed.Load() {
		err = ErrClosed
		return
	}
	exec := e.loops[cpu]
	fut := blkstore.NewFuture[T]()
	if !exec.Post(func() { fn(exec, fut.Complete) }) {
		err = ErrClosed
		return
	}
	return fut.Wait(ctx)
}

// Allocate creates a block on loop cpu, lets fill initialize its contents
// and returns its id. The block is dirty until the next flush.
func (e *Engine) Allocate(ctx context.Context, cpu int, fill func(b []byte)) (BlockID, error) {
	return run(ctx, e, cpu, func(exec blkstore.Executor, done func(BlockID, error)) {
		h, err := e.cache.Allocate(exec)
		if err != nil {
			done(0, err)
			return
		}
		if fill != nil {
			fill(h.Bytes())
		}
		done(e.cache.Release(exec, h, true))
	})
}

// View calls fn with the contents of block id on loop cpu. fn must not keep
// b after it returns.
func (e *Engine) View(ctx context.Context, cpu int, id BlockID, fn func(b []byte) error) error {
	return e.access(ctx, cpu, id, false, fn)
}

// Update calls fn with the contents of block id on loop cpu and marks the
// block dirty when fn succeeds.
func (e *Engine) Update(ctx context.Context, cpu int, id BlockID, fn func(b []byte) error) error {
	return e.access(ctx, cpu, id, true, fn)
}

func (e *Engine) access(ctx context.Context, cpu int, id BlockID, update bool, fn func(b []byte) error) error {
	_, err := run(ctx, e, cpu, func(exec blkstore.Executor, done func(struct{}, error)) {
		if next := e.ser.NextID(); id >= next {
			done(struct{}{}, fmt.Errorf("block(%d) of %d: %w", id, next, ErrUnallocated))
			return
		}
		e.cache.Acquire(exec, id).Then(exec, func(h *cache.Handle, err error) {
			if err != nil {
				done(struct{}{}, err)
				return
			}
			ferr := fn(h.Bytes())
			_, err = e.cache.Release(exec, h, update && ferr == nil)
			if ferr != nil {
				err = ferr
			}
			done(struct{}{}, err)
		})
	})
	return err
}

// Flush writes every dirty block and waits until they are on disk.
func (e *Engine) Flush(ctx context.Context) error {
	_, err := run(ctx, e, 0, func(exec blkstore.Executor, done func(struct{}, error)) {
		e.cache.Flush(exec).Then(exec, done)
	})
	return err
}

// Close flushes the cache, drains in-flight I/O, stops the loops and closes
// the file.
func (e *Engine) Close() (err error) {
	err = e.Flush(context.Background())
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e.sched.Close()
	for _, l := range e.loops {
		l.Close()
	}
	if e.hot != nil {
		e.hot.Close()
	}
	if serr := e.ser.Shutdown(); err == nil {
		err = serr
	}

	stats := e.Stats()
	e.log.Info("engine closed",
		"path", e.cfg.Path,
		"blocks", stats.Blocks,
		"cache", stats.Cache.String(),
		"err", err)
	return
}
