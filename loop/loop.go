// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package loop implements the cooperative worker contexts of the engine.
//
// A Loop is one goroutine draining a queue of tasks. Operations started on a
// loop never block it waiting for I/O; their continuations are posted back to
// the loop instead.
package loop

import (
	"context"
	"sync"

	"github.com/dacapoday/blkstore"
	"github.com/dgraph-io/ristretto/v2/z"
)

type Loop struct {
	id     uint64
	mutex  sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	closer *z.Closer
}

var _ blkstore.Executor = (*Loop)(nil)

// New starts a loop identified by id.
func New(id uint64) *Loop {
	l := &Loop{
		id:     id,
		wake:   make(chan struct{}, 1),
		closer: z.NewCloser(1),
	}
	go l.run()
	return l
}

func (l *Loop) ID() uint64 {
	return l.id
}

// Post appends fn to the queue. It never blocks and never runs fn inline.
func (l *Loop) Post(fn func()) bool {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return blkstore.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.queue)
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the loop goroutine to exit.
func (l *Loop) Close() {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	l.closed = true
	l.mutex.Unlock()
	l.closer.SignalAndWait()
}

func (l *Loop) run() {
	defer l.closer.Done()
	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.closer.HasBeenClosed():
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mutex.Lock()
		tasks := l.queue
		l.queue = nil
		l.mutex.Unlock()

		if len(tasks) == 0 {
			return
		}
		for i, fn := range tasks {
			tasks[i] = nil
			fn()
		}
	}
}
