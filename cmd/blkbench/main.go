// blkbench writes checksummed blocks through the engine, reopens the file and
// verifies every block.
//
// Usage:
//
//	blkbench [flags] <filename>
//	blkbench -n 100000 -cpus 4 -lock striped data.blk
//	blkbench -verify data.blk    # only verify an existing file
//
// Each block holds an xxhash64 checksum of its payload in the first 8 bytes.
// Progress is shown when stderr is a terminal.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dacapoday/blkstore"
	"github.com/dacapoday/blkstore/engine"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

var errChecksum = errors.New("checksum mismatch")

func main() {
	cfg := engine.DefaultConfig()
	countFlag := flag.Int("n", 10000, "number of blocks to write")
	verifyFlag := flag.Bool("verify", false, "only verify an existing file")
	verboseFlag := flag.Bool("v", false, "debug logging")
	flag.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "block size in bytes")
	flag.IntVar(&cfg.CPUs, "cpus", cfg.CPUs, "number of event loops")
	flag.IntVar(&cfg.IOWorkers, "io-workers", cfg.IOWorkers, "number of concurrent transfers")
	flag.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "requests queued per io worker")
	flag.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "cached blocks before eviction (0 = unbounded)")
	flag.StringVar(&cfg.Replacement, "replace", cfg.Replacement, "replacement policy: none, lru, hot")
	flag.IntVar(&cfg.HotSetSize, "hot-set", cfg.HotSetSize, "hot set size of the hot policy")
	flag.StringVar(&cfg.Writeback, "writeback", cfg.Writeback, "writeback policy: immediate, fallthrough")
	flag.StringVar(&cfg.Lock, "lock", cfg.Lock, "cache lock: global, striped")
	flag.IntVar(&cfg.Stripes, "stripes", cfg.Stripes, "stripes of the striped lock")
	flag.BoolVar(&cfg.DirectIO, "direct", cfg.DirectIO, "bypass the page cache")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: blkbench [flags] <filename>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	cfg.Path = flag.Arg(0)

	level := slog.LevelWarn
	if *verboseFlag {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	if !*verifyFlag {
		if err := runWrite(ctx, cfg, *countFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	if err := runVerify(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// fill writes a random payload and its checksum.
func fill(rng *rand.Rand) func(b []byte) {
	return func(b []byte) {
		payload := b[8:]
		for i := 0; i+8 <= len(payload); i += 8 {
			binary.LittleEndian.PutUint64(payload[i:], rng.Uint64())
		}
		binary.LittleEndian.PutUint64(b, xxhash.Sum64(payload))
	}
}

func check(b []byte) error {
	if binary.LittleEndian.Uint64(b) != xxhash.Sum64(b[8:]) {
		return errChecksum
	}
	return nil
}

func runWrite(ctx context.Context, cfg engine.Config, count int) (err error) {
	e, err := engine.Open(cfg)
	if err != nil {
		return
	}
	defer func() {
		if cerr := e.Close(); err == nil {
			err = cerr
		}
	}()

	start := time.Now()
	p := newProgress("write", count)
	var (
		wg   sync.WaitGroup
		once sync.Once
		next atomic.Int64
	)
	for cpu := range e.CPUs() {
		wg.Go(func() {
			rng := rand.New(rand.NewPCG(uint64(cpu), uint64(start.UnixNano())))
			for next.Add(1) <= int64(count) {
				if _, aerr := e.Allocate(ctx, cpu, fill(rng)); aerr != nil {
					once.Do(func() { err = aerr })
					return
				}
				p.add(1)
			}
		})
	}
	wg.Wait()
	if err != nil {
		return
	}
	if err = e.Flush(ctx); err != nil {
		return
	}
	p.done()

	elapsed := time.Since(start)
	report(e, "write", count, elapsed)
	return
}

func runVerify(ctx context.Context, cfg engine.Config) (err error) {
	e, err := engine.Open(cfg)
	if err != nil {
		return
	}
	defer func() {
		if cerr := e.Close(); err == nil {
			err = cerr
		}
	}()

	blocks := int(e.Stats().Blocks) - 1
	start := time.Now()
	p := newProgress("verify", blocks)
	var (
		wg   sync.WaitGroup
		once sync.Once
		next atomic.Int64
	)
	for cpu := range e.CPUs() {
		wg.Go(func() {
			for {
				id := blkstore.BlockID(next.Add(1))
				if int(id) > blocks {
					return
				}
				if verr := e.View(ctx, cpu, id, check); verr != nil {
					once.Do(func() { err = fmt.Errorf("block %d: %w", id, verr) })
					return
				}
				p.add(1)
			}
		})
	}
	wg.Wait()
	if err != nil {
		return
	}
	p.done()

	report(e, "verify", blocks, time.Since(start))
	return
}

func report(e *engine.Engine, phase string, blocks int, elapsed time.Duration) {
	stats := e.Stats()
	bytes := uint64(blocks) * uint64(e.Serializer().BlockSize())
	rate := float64(bytes) / max(elapsed.Seconds(), 1e-9)
	fmt.Printf("%s: %s blocks, %s in %v (%s/s)\n",
		phase,
		humanize.Comma(int64(blocks)),
		humanize.IBytes(bytes),
		elapsed.Round(time.Millisecond),
		humanize.IBytes(uint64(rate)))
	fmt.Printf("  cache: %v\n", stats.Cache)
	fmt.Printf("  io read:  %v\n", stats.IO.Reads)
	fmt.Printf("  io write: %v\n", stats.IO.Writes)
}

// progress prints a counter on stderr, only when it is a terminal.
type progress struct {
	phase string
	total int
	tty   bool
	n     atomic.Int64
	last  atomic.Int64 // unix millis of the last redraw
}

func newProgress(phase string, total int) *progress {
	return &progress{
		phase: phase,
		total: total,
		tty:   term.IsTerminal(int(os.Stderr.Fd())),
	}
}

func (p *progress) add(delta int) {
	n := p.n.Add(int64(delta))
	if !p.tty {
		return
	}
	now := time.Now().UnixMilli()
	last := p.last.Load()
	if now-last < 100 || !p.last.CompareAndSwap(last, now) {
		return
	}
	p.draw(n)
}

func (p *progress) draw(n int64) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil {
		width = w
	}
	line := fmt.Sprintf("%s %s/%s", p.phase, humanize.Comma(n), humanize.Comma(int64(p.total)))
	if len(line) > width {
		line = line[:width]
	}
	fmt.Fprintf(os.Stderr, "\r\033[K%s", line)
}

func (p *progress) done() {
	if p.tty {
		p.draw(p.n.Load())
		fmt.Fprintln(os.Stderr)
	}
}
