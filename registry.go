package guarded

import (
	"sync/atomic"

	"github.com/mbraeken/guarded/internal/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry is fast storage for live pointers.
//
// It is intended to keep track of existing objects of one type, where
// construction calls Insert and teardown calls Erase; ForEach then
// reaches every live object (for example at program shutdown).
//
// Insert and Erase take constant time except when the storage must
// grow. Growth can move the storage in memory, which is why callers
// refer to slots by index: an index stays valid from Insert until the
// matching Erase. Free slots are recycled through a lock-free LIFO of
// indices, so an Erase directly followed by an Insert reuses the same
// memory.
//
// Concurrency: Insert and Erase run under a read lock of the
// embedded SpinRWLock and may run in parallel with each other — the
// lock does not protect the slots (each slot has a single writer at a
// time by construction), it protects the capacity. Growing and
// ForEach take the write lock.
//
// Pointers are borrowed, never owned: lifetime coordination is the
// caller's.
type Registry[T any] struct {
	_    noCopy
	lock SpinRWLock
	size uint32 // capacity; changes only under the write lock
	arr  atomic.Pointer[[]atomic.Pointer[T]]
	free indexStack
}

// registryGrowFactor keeps the amortized relocation cost per Insert
// constant while bounding wasted capacity.
const registryGrowFactor = 1.414

// NewRegistry creates a registry with the given initial capacity.
func NewRegistry[T any](initialCapacity uint32) *Registry[T] {
	if initialCapacity == 0 {
		initialCapacity = 1
	}
	s := &Registry[T]{size: initialCapacity}
	arr := make([]atomic.Pointer[T], initialCapacity)
	s.arr.Store(&arr)
	s.free.next = make([]atomic.Uint32, initialCapacity)
	for i := initialCapacity; i > 0; i-- {
		s.free.push(i - 1)
	}
	return s
}

// Insert stores p and returns the index to Erase it with.
func (s *Registry[T]) Insert(p *T) uint32 {
	s.lock.RLock()
	var idx uint32
	for {
		i, ok := s.free.pop()
		if ok {
			idx = i
			break
		}
		s.grow(0)
	}
	(*s.arr.Load())[idx].Store(p)
	s.lock.RUnlock()
	return idx
}

// Erase frees the slot at idx. The slot is not cleared; it is free by
// virtue of being on the free stack again.
func (s *Registry[T]) Erase(idx uint32) {
	s.lock.RLock()
	s.free.push(idx)
	s.lock.RUnlock()
}

// Get returns the pointer stored at idx without locking. The caller
// must know the index is live, i.e. its Insert has returned and its
// Erase has not been called.
func (s *Registry[T]) Get(idx uint32) *T {
	return (*s.arr.Load())[idx].Load()
}

// Cap returns the current capacity.
func (s *Registry[T]) Cap() uint32 {
	s.lock.RLock()
	size := s.size
	s.lock.RUnlock()
	return size
}

// grow enlarges the storage. It is entered and exited holding a read
// lock; the upgrade to a write lock can lose to a concurrent grower,
// in which case grow yields to it and returns so the caller re-checks
// the free stack.
func (s *Registry[T]) grow(requested uint32) {
	if err := s.lock.Upgrade(); err != nil {
		s.lock.RUnlock()
		s.lock.UpgradeYield()
		s.lock.RLock()
		return
	}

	size := s.size
	newSize := uint32(registryGrowFactor * float64(size))
	if requested > newSize {
		newSize = requested
	}
	if newSize == size {
		newSize++
	}
	if trace.On() {
		trace.L().Debug("registry grow",
			zap.Uint32("from", size), zap.Uint32("to", newSize))
	}

	old := *s.arr.Load()
	arr := make([]atomic.Pointer[T], newSize)
	for i := range old {
		arr[i].Store(old[i].Load())
	}
	s.arr.Store(&arr)

	// Rebuild the free stack: drain what was left, swap in a larger
	// node array, then refill with the new indices (descending, so
	// low indices pop first) followed by the old free ones in their
	// original order.
	drained := s.free.drain()
	s.free.next = make([]atomic.Uint32, newSize)
	s.free.head.Store(0)
	for i := newSize; i > size; i-- {
		s.free.push(i - 1)
	}
	for j := len(drained) - 1; j >= 0; j-- {
		s.free.push(drained[j])
	}
	s.size = newSize

	s.lock.Downgrade()
}

// ForEach calls fn on every live pointer, with the registry
// write-locked: no Insert or Erase runs concurrently. Freed slots
// that still hold stale pointers are nil-ed out while the free stack
// is drained, so fn sees exactly the live set. Errors from fn are
// combined and do not stop the sweep.
func (s *Registry[T]) ForEach(fn func(*T) error) error {
	s.lock.Lock()
	arr := *s.arr.Load()
	freed := s.free.drain()
	for _, i := range freed {
		arr[i].Store(nil)
	}
	var err error
	for i := range arr {
		if p := arr[i].Load(); p != nil {
			err = multierr.Append(err, fn(p))
		}
	}
	for j := len(freed) - 1; j >= 0; j-- {
		s.free.push(freed[j])
	}
	s.lock.Unlock()
	return err
}

// Empty reports whether no live pointers remain. Expensive (it drains
// and restores the whole free stack); meant for teardown assertions
// and tests.
func (s *Registry[T]) Empty() bool {
	s.lock.Lock()
	drained := s.free.drain()
	empty := len(drained) == int(s.size)
	for j := len(drained) - 1; j >= 0; j-- {
		s.free.push(drained[j])
	}
	s.lock.Unlock()
	return empty
}

// indexStack is a lock-free bounded LIFO of slot indices.
//
// The head word packs a 32-bit ABA tag with the index of the top node
// biased by one (0 means empty). next holds, per index, the biased
// index below it. The node array is only replaced while the registry
// holds its write lock, so push and pop — which run under the read
// lock — never observe it changing.
type indexStack struct {
	head atomic.Uint64 // [tag:32 | top index + 1:32]
	next []atomic.Uint32
}

func (s *indexStack) push(i uint32) {
	for {
		h := s.head.Load()
		s.next[i].Store(uint32(h))
		nh := (h>>32+1)<<32 | uint64(i+1)
		if s.head.CompareAndSwap(h, nh) {
			return
		}
	}
}

func (s *indexStack) pop() (uint32, bool) {
	for {
		h := s.head.Load()
		top := uint32(h)
		if top == 0 {
			return 0, false
		}
		n := s.next[top-1].Load()
		nh := (h>>32+1)<<32 | uint64(n)
		if s.head.CompareAndSwap(h, nh) {
			return top - 1, true
		}
	}
}

// drain pops everything. Only safe when no push or pop can run
// concurrently (the registry holds its write lock).
func (s *indexStack) drain() []uint32 {
	var out []uint32
	for {
		i, ok := s.pop()
		if !ok {
			return out
		}
		out = append(out, i)
	}
}
