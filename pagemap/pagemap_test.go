package pagemap

import (
	"sync"
	"testing"

	"github.com/dacapoday/blkstore"
	"github.com/stretchr/testify/require"
)

func TestMapInsertGetRemove(t *testing.T) {
	m := New()
	e := m.NewEntry(3, blkstore.NewBuffer(512), Resident)

	require.Nil(t, m.Get(3))
	require.True(t, m.Insert(e))
	require.False(t, m.Insert(m.NewEntry(3, nil, Loading)))
	require.Same(t, e, m.Get(3))
	require.Equal(t, 1, m.Len())

	require.Same(t, e, m.Remove(3))
	require.Nil(t, m.Remove(3))
	require.Zero(t, m.Len())
}

func TestMapRange(t *testing.T) {
	m := New()
	for id := range BlockID(10) {
		m.Insert(m.NewEntry(id, nil, Resident))
	}

	seen := map[BlockID]bool{}
	m.Range(func(e *Entry) bool {
		seen[e.ID] = true
		// mutating the map from inside Range is allowed
		m.Remove(e.ID)
		return true
	})
	require.Len(t, seen, 10)
	require.Zero(t, m.Len())

	n := 0
	for id := range BlockID(5) {
		m.Insert(m.NewEntry(id, nil, Resident))
	}
	m.Range(func(*Entry) bool {
		n++
		return n < 2
	})
	require.Equal(t, 2, n)
}

func TestEntryEvictable(t *testing.T) {
	m := New()
	e := m.NewEntry(1, nil, Loading)
	require.False(t, e.Evictable())

	e.Enter()
	e.State = Resident
	e.Pins = 1
	e.Exit()
	require.False(t, e.Evictable())

	e.Enter()
	e.Pins = 0
	e.Exit()
	require.True(t, e.Evictable())

	e.Enter()
	e.Flushing = 1
	e.Exit()
	require.False(t, e.Evictable())

	e.Enter()
	e.Flushing = 0
	e.State = Evicting
	e.Exit()
	require.False(t, e.Evictable())
}

func TestEntryWaitersFIFO(t *testing.T) {
	e := New().NewEntry(1, nil, Loading)
	var order []int
	for i := range 3 {
		e.Wait(func(error) { order = append(order, i) })
	}
	require.Equal(t, 3, e.Waiting())

	for _, fn := range e.TakeWaiters() {
		fn(nil)
	}
	require.Equal(t, []int{0, 1, 2}, order)
	require.Zero(t, e.Waiting())
}

func TestEntryViolations(t *testing.T) {
	m := New()
	e := m.NewEntry(1, nil, Resident)

	e.Enter()
	e.Exit()
	require.Zero(t, m.Violations())

	// overlapping writers
	e.Enter()
	e.Enter()
	e.Exit()
	e.Exit()
	require.Equal(t, int64(1), m.Violations())

	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				mu.Lock()
				e.Enter()
				e.Pins++
				e.Exit()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), m.Violations())
	require.Equal(t, 8000, e.Pins)
}
