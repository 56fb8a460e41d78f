package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dacapoday/blkstore"
	"github.com/dacapoday/blkstore/mem"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Path = "mem"
	cfg.CPUs = 2
	cfg.Capacity = 4
	return cfg
}

func stamp(id BlockID, seed byte) func(b []byte) {
	return func(b []byte) {
		for i := range b {
			b[i] = seed
		}
		binary.LittleEndian.PutUint64(b, uint64(id))
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(*Config){
		"block size":  func(cfg *Config) { cfg.BlockSize = 1000 },
		"cpus":        func(cfg *Config) { cfg.CPUs = 0 },
		"io workers":  func(cfg *Config) { cfg.IOWorkers = 0 },
		"capacity":    func(cfg *Config) { cfg.Capacity = -1 },
		"replacement": func(cfg *Config) { cfg.Replacement = "mru" },
		"hot set":     func(cfg *Config) { cfg.Replacement, cfg.HotSetSize = ReplaceHot, 0 },
		"writeback":   func(cfg *Config) { cfg.Writeback = "lazy" },
		"lock":        func(cfg *Config) { cfg.Lock = "mvcc" },
		"stripes":     func(cfg *Config) { cfg.Lock, cfg.Stripes = LockStriped, 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), blkstore.ErrInvalidConfig)
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = ""
	_, err := Open(cfg)
	require.ErrorIs(t, err, blkstore.ErrInvalidConfig)

	cfg = testConfig()
	cfg.Lock = "none"
	_, err = OpenFile(new(mem.File), cfg)
	require.ErrorIs(t, err, blkstore.ErrInvalidConfig)
}

func TestAllocateViewUpdate(t *testing.T) {
	ctx := context.Background()
	e, err := OpenFile(new(mem.File), testConfig())
	require.NoError(t, err)
	defer e.Close()

	id, err := e.Allocate(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, BlockID(1), id)

	zero := make([]byte, e.cfg.BlockSize)
	require.NoError(t, e.View(ctx, 1, id, func(b []byte) error {
		if !bytes.Equal(zero, b) {
			return errors.New("new block is not zeroed")
		}
		return nil
	}))

	require.NoError(t, e.Update(ctx, 1, id, func(b []byte) error {
		stamp(id, 7)(b)
		return nil
	}))

	errAbort := errors.New("abort")
	require.ErrorIs(t, e.Update(ctx, 0, id, func([]byte) error {
		return errAbort
	}), errAbort)

	require.NoError(t, e.Flush(ctx))

	want := make([]byte, e.cfg.BlockSize)
	stamp(id, 7)(want)
	got := make([]byte, e.cfg.BlockSize)
	require.NoError(t, e.View(ctx, 0, id, func(b []byte) error {
		copy(got, b)
		return nil
	}))
	require.Equal(t, want, got)

	err = e.View(ctx, 0, 99, func([]byte) error { return nil })
	require.ErrorIs(t, err, ErrUnallocated)
}

func testPersist(t *testing.T, cfg Config) {
	ctx := context.Background()
	file := new(mem.File)
	e, err := OpenFile(file, cfg)
	require.NoError(t, err)

	const perCPU = 16
	var (
		mutex sync.Mutex
		ids   = map[BlockID]byte{}
		wg    sync.WaitGroup
	)
	errs := make(chan error, e.CPUs())
	for cpu := range e.CPUs() {
		wg.Go(func() {
			for i := range perCPU {
				seed := byte(cpu*perCPU + i)
				id, err := e.Allocate(ctx, cpu, nil)
				if err != nil {
					errs <- err
					return
				}
				if err = e.Update(ctx, cpu, id, func(b []byte) error {
					stamp(id, seed)(b)
					return nil
				}); err != nil {
					errs <- err
					return
				}
				mutex.Lock()
				ids[id] = seed
				mutex.Unlock()
			}
			errs <- nil
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, ids, e.CPUs()*perCPU)
	require.Zero(t, e.Stats().Cache.Violations)
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Close(), ErrClosed)

	file.Reopen()
	e, err = OpenFile(file, cfg)
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, BlockID(len(ids)+1), e.Stats().Blocks)

	want := make([]byte, cfg.BlockSize)
	for id, seed := range ids {
		stamp(id, seed)(want)
		require.NoError(t, e.View(ctx, int(id)%e.CPUs(), id, func(b []byte) error {
			if !bytes.Equal(want, b) {
				return errors.New("contents differ")
			}
			return nil
		}), "block %d", id)
	}
}

func TestPersist(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"lru global":          func(*Config) {},
		"lru striped":         func(cfg *Config) { cfg.Lock = LockStriped },
		"hot striped":         func(cfg *Config) { cfg.Replacement, cfg.Lock = ReplaceHot, LockStriped },
		"none":                func(cfg *Config) { cfg.Replacement = ReplaceNone },
		"fallthrough":         func(cfg *Config) { cfg.Writeback = WritebackFallthrough },
		"fallthrough striped": func(cfg *Config) { cfg.Writeback, cfg.Lock = WritebackFallthrough, LockStriped },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			testPersist(t, cfg)
		})
	}
}

func TestOpenPath(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Path = filepath.Join(t.TempDir(), "data.blk")

	e, err := Open(cfg)
	require.NoError(t, err)
	id, err := e.Allocate(ctx, 0, stamp(1, 0xee))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	info, err := os.Stat(cfg.Path)
	require.NoError(t, err)
	require.EqualValues(t, 2*cfg.BlockSize, info.Size())

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()
	want := make([]byte, cfg.BlockSize)
	stamp(1, 0xee)(want)
	require.NoError(t, e.View(ctx, 1, id, func(b []byte) error {
		if !bytes.Equal(want, b) {
			return errors.New("contents differ")
		}
		return nil
	}))
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	e, err := OpenFile(new(mem.File), testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Allocate(ctx, 0, nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.Flush(ctx), ErrClosed)
}
