package blkstore

import (
	"sync"
	"sync/atomic"
)

// WriteRequest is one block write of a batch. A nil Buf marks a deletion
// placeholder, which the serializer accepts but does not act on.
type WriteRequest struct {
	ID  BlockID
	Buf *Buffer

	// Done, if set, runs on the submitting executor when this write completes.
	Done func(err error)
}

// Txn counts the outstanding transfers of one batch and fires its callback
// once, when the last of them completes.
//
// A Txn may be reused for another batch only after its callback ran.
type Txn struct {
	pending atomic.Int32
	mutex   sync.Mutex
	err     error
	done    func(err error)
}

func NewTxn(done func(err error)) *Txn {
	return &Txn{done: done}
}

// Begin marks n transfers outstanding. Beginning a Txn that is still
// outstanding is a contract violation and panics with ErrTxnInUse.
func (txn *Txn) Begin(n int) {
	if n <= 0 {
		return
	}
	if !txn.pending.CompareAndSwap(0, int32(n)) {
		panic(ErrTxnInUse)
	}
	txn.mutex.Lock()
	txn.err = nil
	txn.mutex.Unlock()
}

// Outstanding returns the number of transfers not yet completed.
func (txn *Txn) Outstanding() int {
	return int(txn.pending.Load())
}

// Complete records one finished transfer. The first error is kept and
// handed to the callback.
func (txn *Txn) Complete(err error) {
	txn.mutex.Lock()
	if err != nil && txn.err == nil {
		txn.err = err
	}
	txn.mutex.Unlock()

	left := txn.pending.Add(-1)
	if left > 0 {
		return
	}
	if left < 0 {
		panic("blkstore: transaction completed more often than begun")
	}

	txn.mutex.Lock()
	err = txn.err
	txn.mutex.Unlock()
	if txn.done != nil {
		txn.done(err)
	}
}
