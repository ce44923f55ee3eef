package guarded

import (
	"fmt"
	"sync"

	"github.com/mbraeken/guarded/internal/opt"
)

// Mu wraps a value with a plain mutex. It is the policy for data that
// is written about as often as it is read, where reader concurrency
// buys nothing: every guard takes the same exclusive lock and the
// read/write distinction is only in the type.
//
// There is no Upgrade and no Carry here; with a single mutex they are
// meaningless (a "promotion" would be a recursive lock).
//
// The zero-value-usable default lock is Mutex; any sync.Locker works
// via NewMuWith, but it must not be recursive and must not be shared
// with another wrapper.
type Mu[T any] struct {
	_     noCopy
	lock  sync.Locker
	refs  refCounter
	value T
}

// NewMu wraps value behind a Mutex.
func NewMu[T any](value T) *Mu[T] {
	return &Mu[T]{lock: new(Mutex), value: value}
}

// NewMuWith wraps value behind the given locker.
func NewMuWith[T any](value T, lock sync.Locker) *Mu[T] {
	return &Mu[T]{lock: lock, value: value}
}

// Read locks the mutex and returns the read envelope.
func (u *Mu[T]) Read() *MuRead[T] {
	u.refs.inc()
	u.lock.Lock()
	return &MuRead[T]{MuConst[T]{lock: u.lock, v: &u.value, refs: &u.refs}}
}

// Write locks the mutex and returns the write envelope.
func (u *Mu[T]) Write() *MuWrite[T] {
	u.refs.inc()
	u.lock.Lock()
	return &MuWrite[T]{MuRead[T]{MuConst[T]{lock: u.lock, v: &u.value, refs: &u.refs}}}
}

// ReadOnly returns a read-only view of the wrapper.
func (u *Mu[T]) ReadOnly() MuView[T] {
	return MuView[T]{lock: u.lock, v: &u.value, refs: &u.refs}
}

// CheckIdle panics if any guard created from u has not been released.
func (u *Mu[T]) CheckIdle() {
	if n := u.refs.n.Load(); n != 0 {
		panic(fmt.Sprintf("guarded: wrapper torn down with %d live guards", n))
	}
}

// MuConst is the read-only envelope of a Mu wrapper. The value it
// exposes must not be mutated.
type MuConst[T any] struct {
	lock     sync.Locker
	v        *T
	refs     *refCounter
	released bool
}

// Value returns the guarded value for reading.
func (g *MuConst[T]) Value() *T {
	if opt.Checks_ && g.released {
		panic("guarded: use of a released guard")
	}
	return g.v
}

// Release unlocks the mutex. Releasing twice is a no-op.
func (g *MuConst[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.lock.Unlock()
	g.refs.dec()
}

// MuRead is the read envelope of a Mu wrapper. Pass &g.MuConst to
// functions that only take const access.
type MuRead[T any] struct {
	MuConst[T]
}

// MuWrite is the write envelope of a Mu wrapper: the same lock as
// MuRead, but the only envelope whose contract includes mutation.
// Pass &g.MuRead where read access is expected; the lock is not
// released by that.
type MuWrite[T any] struct {
	MuRead[T]
}

// MuView is a read-only handle to a Mu wrapper, handing out only
// MuConst envelopes. Views are plain values and may be copied freely.
type MuView[T any] struct {
	lock sync.Locker
	v    *T
	refs *refCounter
}

// Read locks the mutex and returns the const envelope.
func (w MuView[T]) Read() *MuConst[T] {
	w.refs.inc()
	w.lock.Lock()
	return &MuConst[T]{lock: w.lock, v: w.v, refs: w.refs}
}

// MuBase adapts a Mu wrapper of a larger value into a wrapper of one
// of its components, sharing the lock and guard accounting. The
// component view equivalent of RWBase.
type MuBase[B any] struct {
	lock sync.Locker
	v    *B
	refs *refCounter
}

// MuBaseOf creates a component view of u.
func MuBaseOf[B, T any](u *Mu[T], sel func(*T) *B) MuBase[B] {
	return MuBase[B]{lock: u.lock, v: sel(&u.value), refs: &u.refs}
}

// Read locks the mutex and returns a read envelope over the
// component.
func (b MuBase[B]) Read() *MuRead[B] {
	b.refs.inc()
	b.lock.Lock()
	return &MuRead[B]{MuConst[B]{lock: b.lock, v: b.v, refs: b.refs}}
}

// Write locks the mutex and returns a write envelope over the
// component.
func (b MuBase[B]) Write() *MuWrite[B] {
	b.refs.inc()
	b.lock.Lock()
	return &MuWrite[B]{MuRead[B]{MuConst[B]{lock: b.lock, v: b.v, refs: b.refs}}}
}

// ReadOnly returns the read-only view of the component.
func (b MuBase[B]) ReadOnly() MuView[B] {
	return MuView[B]{lock: b.lock, v: b.v, refs: b.refs}
}
