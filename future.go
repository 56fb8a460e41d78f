package blkstore

import (
	"context"
	"sync"
)

// Future is the single-assignment result of an asynchronous operation.
//
// The producer calls Complete exactly once. The consumer either registers one
// continuation with Then, which is posted to its executor, or blocks in Wait
// when it does not run on an executor.
type Future[T any] struct {
	mutex sync.Mutex
	done  bool
	val   T
	err   error
	ready chan struct{}

	exec Executor
	then func(T, error)
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{ready: make(chan struct{})}
}

// Completed returns a future that already holds val and err.
func Completed[T any](val T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(val, err)
	return f
}

// Complete stores the result and resumes the continuation, if any.
// Completing twice panics.
func (f *Future[T]) Complete(val T, err error) {
	f.mutex.Lock()
	if f.done {
		f.mutex.Unlock()
		panic("blkstore: future completed twice")
	}
	f.done, f.val, f.err = true, val, err
	close(f.ready)
	exec, then := f.exec, f.then
	f.exec, f.then = nil, nil
	f.mutex.Unlock()

	if then != nil {
		resume(exec, func() { then(val, err) })
	}
}

// resume posts fn to exec, or runs it at once when exec is closed: nobody is
// left to observe the continuation out of its executor.
func resume(exec Executor, fn func()) {
	if !exec.Post(fn) {
		fn()
	}
}

// Done reports whether the result is available.
func (f *Future[T]) Done() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.done
}

// Result returns the stored result, or ErrPending before completion.
func (f *Future[T]) Result() (val T, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.done {
		err = ErrPending
		return
	}
	return f.val, f.err
}

// Then registers fn to run on exec once the result is available.
// A future resumes at most one continuation; registering a second panics.
// If exec is closed by then, fn runs on the completing goroutine.
func (f *Future[T]) Then(exec Executor, fn func(T, error)) {
	f.mutex.Lock()
	if f.then != nil {
		f.mutex.Unlock()
		panic("blkstore: future continuation already registered")
	}
	if f.done {
		val, err := f.val, f.err
		f.mutex.Unlock()
		resume(exec, func() { fn(val, err) })
		return
	}
	f.exec, f.then = exec, fn
	f.mutex.Unlock()
}

// Wait blocks until the result is available or ctx is done.
// It must not be called from an executor goroutine that the result depends on.
func (f *Future[T]) Wait(ctx context.Context) (val T, err error) {
	select {
	case <-f.ready:
		return f.Result()
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
}
