package guarded

import (
	"sync"
	"sync/atomic"

	"github.com/mbraeken/guarded/internal/opt"
	"github.com/petermattis/goid"
)

// Mutex is a non-recursive mutex that knows its owner. It is the
// default lock of the Mu wrapper.
//
// Recursive acquisition deadlocks; under the checks build it panics
// instead. SelfLocked reports
// whether the calling goroutine is the current owner, which lets code
// assert "my caller locked this" without taking the lock.
//
// Zero-value usable.
type Mutex struct {
	_     noCopy
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id of the holder, 0 when unlocked
}

// Lock acquires the mutex.
func (m *Mutex) Lock() {
	if opt.Checks_ && m.owner.Load() == goid.Get() {
		panic("guarded: recursive Mutex.Lock")
	}
	m.mu.Lock()
	m.owner.Store(goid.Get())
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	if opt.Checks_ && m.owner.Load() == goid.Get() {
		panic("guarded: recursive Mutex.TryLock")
	}
	if !m.mu.TryLock() {
		return false
	}
	m.owner.Store(goid.Get())
	return true
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	m.owner.Store(0)
	m.mu.Unlock()
}

// SelfLocked reports whether the calling goroutine holds the mutex.
func (m *Mutex) SelfLocked() bool {
	return m.owner.Load() == goid.Get()
}
