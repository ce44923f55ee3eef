package guarded

import (
	"fmt"
	"sync/atomic"

	"github.com/mbraeken/guarded/internal/opt"
	"github.com/petermattis/goid"
)

// Local wraps a value that is supposed to be used by a single
// goroutine. It takes no locks at all; what it buys is the envelope
// API (so code can be written against guards and later switch the
// wrapper type) plus, under the checks build, proof that the
// single-goroutine assumption actually holds: the first access claims
// the value and any access from another goroutine panics.
type Local[T any] struct {
	owner atomic.Int64 // goroutine id of the claimant, 0 until first access
	refs  refCounter
	value T
}

// NewLocal wraps value.
func NewLocal[T any](value T) *Local[T] {
	return &Local[T]{value: value}
}

func (u *Local[T]) check() {
	if !opt.Checks_ {
		return
	}
	id := goid.Get()
	if u.owner.CompareAndSwap(0, id) {
		return
	}
	if u.owner.Load() != id {
		panic("guarded: Local value accessed from a second goroutine")
	}
}

// Read returns the read envelope.
func (u *Local[T]) Read() *LocalRead[T] {
	u.check()
	u.refs.inc()
	return &LocalRead[T]{LocalConst[T]{v: &u.value, refs: &u.refs}}
}

// Write returns the write envelope.
func (u *Local[T]) Write() *LocalWrite[T] {
	u.check()
	u.refs.inc()
	return &LocalWrite[T]{LocalRead[T]{LocalConst[T]{v: &u.value, refs: &u.refs}}}
}

// ReadOnly returns a read-only view of the wrapper.
func (u *Local[T]) ReadOnly() LocalView[T] {
	return LocalView[T]{u: u}
}

// CheckIdle panics if any guard created from u has not been released.
func (u *Local[T]) CheckIdle() {
	if n := u.refs.n.Load(); n != 0 {
		panic(fmt.Sprintf("guarded: wrapper torn down with %d live guards", n))
	}
}

// LocalConst is the read-only envelope of a Local wrapper.
type LocalConst[T any] struct {
	v        *T
	refs     *refCounter
	released bool
}

// Value returns the wrapped value for reading.
func (g *LocalConst[T]) Value() *T {
	if opt.Checks_ && g.released {
		panic("guarded: use of a released guard")
	}
	return g.v
}

// Release ends the access. Releasing twice is a no-op.
func (g *LocalConst[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.refs.dec()
}

// LocalRead is the read envelope of a Local wrapper.
type LocalRead[T any] struct {
	LocalConst[T]
}

// LocalWrite is the write envelope of a Local wrapper.
type LocalWrite[T any] struct {
	LocalRead[T]
}

// LocalView is a read-only handle to a Local wrapper.
type LocalView[T any] struct {
	u *Local[T]
}

// Read returns the const envelope.
func (w LocalView[T]) Read() *LocalConst[T] {
	w.u.check()
	w.u.refs.inc()
	return &LocalConst[T]{v: &w.u.value, refs: &w.u.refs}
}
