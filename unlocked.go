package guarded

import (
	"fmt"
	"sync/atomic"
)

// refCounter tracks the live envelopes of one wrapper. It exists to
// catch "guard outlives wrapper" bugs: CheckIdle asserts it is zero
// when the wrapped value is torn down.
type refCounter struct {
	n atomic.Int32
}

func (c *refCounter) inc() {
	c.n.Add(1)
}

func (c *refCounter) dec() {
	if c.n.Add(-1) < 0 {
		panic("guarded: guard release imbalance")
	}
}

// RW wraps a value with a read/write lock and hands out scoped access
// guards. The wrapped value is reachable only through a guard, so
// holding the right kind of lock is not a convention but the only way
// in.
//
// Usage:
//
//	cfg := guarded.NewRW(Config{Limit: 10})
//
//	r := cfg.Read()
//	limit := r.Value().Limit
//	r.Release()
//
//	w := cfg.Write()
//	w.Value().Limit = 20
//	w.Release()
//
// A read section that sometimes needs to write upgrades in place and
// retries on conflict:
//
//	for {
//		r := cfg.Read()
//		if r.Value().Limit < wanted {
//			w, err := r.Upgrade()
//			if err != nil {
//				r.Release()
//				cfg.UpgradeYield()
//				continue // what we read may be stale, start over
//			}
//			w.Value().Limit = wanted
//			w.Release()
//		}
//		r.Release()
//		break
//	}
//
// The wrapper must outlive every guard created from it.
type RW[T any] struct {
	_     noCopy
	lock  RWLocker
	refs  refCounter
	value T
}

// NewRW wraps value behind a SpinRWLock.
func NewRW[T any](value T) *RW[T] {
	return &RW[T]{lock: new(SpinRWLock), value: value}
}

// NewRWWith wraps value behind the given lock. The lock must be
// unlocked and must not be shared with another wrapper.
func NewRWWith[T any](value T, lock RWLocker) *RW[T] {
	return &RW[T]{lock: lock, value: value}
}

// Read acquires a read lock and returns the read envelope.
func (u *RW[T]) Read() *ReadGuard[T] {
	u.refs.inc()
	u.lock.RLock()
	return &ReadGuard[T]{ConstGuard[T]{lock: u.lock, v: &u.value, refs: &u.refs, state: stateRead}}
}

// Write acquires the write lock and returns the write envelope.
func (u *RW[T]) Write() *WriteGuard[T] {
	u.refs.inc()
	u.lock.Lock()
	return &WriteGuard[T]{ReadGuard: ReadGuard[T]{ConstGuard[T]{
		lock: u.lock, v: &u.value, refs: &u.refs, state: stateWrite,
	}}}
}

// ReadOnly returns a read-only view of the wrapper, from which only
// non-promotable ConstGuards can be created. Hand it to code that
// must never write.
func (u *RW[T]) ReadOnly() RWView[T] {
	return RWView[T]{lock: u.lock, v: &u.value, refs: &u.refs}
}

// Carry prepares a write-to-read carry: a helper that keeps the lock
// held across the boundary between one write guard and subsequent
// read guards. See Carry.
func (u *RW[T]) Carry() *Carry[T] {
	u.refs.inc()
	return &Carry[T]{lock: u.lock, v: &u.value, refs: &u.refs, phase: carryArmed}
}

// UpgradeYield blocks until no read-to-write conversion is in flight
// on this wrapper's lock. Call it after an Upgrade returned
// ErrConflict and the read guard has been released.
func (u *RW[T]) UpgradeYield() {
	u.lock.UpgradeYield()
}

// CheckIdle panics if any guard, view or carry created from u has not
// been released. Call it when tearing down the wrapped value; it is
// the destructor-time reference-count assertion.
func (u *RW[T]) CheckIdle() {
	if n := u.refs.n.Load(); n != 0 {
		panic(fmt.Sprintf("guarded: wrapper torn down with %d live guards", n))
	}
}

// RWView is a read-only handle to an RW wrapper: the only guard it
// hands out is the non-promotable ConstGuard. Views are plain values
// and may be copied freely; they do not own the lock.
type RWView[T any] struct {
	lock RWLocker
	v    *T
	refs *refCounter
}

// Read acquires a read lock and returns the const read envelope.
func (w RWView[T]) Read() *ConstGuard[T] {
	w.refs.inc()
	w.lock.RLock()
	return &ConstGuard[T]{lock: w.lock, v: w.v, refs: w.refs, state: stateRead}
}

// RWBase adapts a wrapper of a larger value into a wrapper of one of
// its components — typically an embedded struct, making this the Go
// spelling of "treat the wrapper of a derived type as a wrapper of
// its base". The view shares the original's lock and guard
// accounting; sel is evaluated once, without locking, since it only
// computes an address.
//
//	type Animal struct{ Name string }
//	type Dog struct {
//		Animal
//		Tricks int
//	}
//
//	dog := guarded.NewRW(Dog{})
//	animal := guarded.RWBaseOf(dog, func(d *Dog) *Animal { return &d.Animal })
//
// RWBase values are handles: copy them freely, but never outlive the
// wrapper they came from.
type RWBase[B any] struct {
	lock RWLocker
	v    *B
	refs *refCounter
}

// RWBaseOf creates a component view of u.
func RWBaseOf[B, T any](u *RW[T], sel func(*T) *B) RWBase[B] {
	return RWBase[B]{lock: u.lock, v: sel(&u.value), refs: &u.refs}
}

// Read acquires a read lock on the underlying wrapper and returns a
// read envelope over the component.
func (b RWBase[B]) Read() *ReadGuard[B] {
	b.refs.inc()
	b.lock.RLock()
	return &ReadGuard[B]{ConstGuard[B]{lock: b.lock, v: b.v, refs: b.refs, state: stateRead}}
}

// Write acquires the write lock and returns a write envelope over the
// component.
func (b RWBase[B]) Write() *WriteGuard[B] {
	b.refs.inc()
	b.lock.Lock()
	return &WriteGuard[B]{ReadGuard: ReadGuard[B]{ConstGuard[B]{
		lock: b.lock, v: b.v, refs: b.refs, state: stateWrite,
	}}}
}

// ReadOnly returns the read-only view of the component.
func (b RWBase[B]) ReadOnly() RWView[B] {
	return RWView[B]{lock: b.lock, v: b.v, refs: b.refs}
}

// Carry prepares a write-to-read carry over the component.
func (b RWBase[B]) Carry() *Carry[B] {
	b.refs.inc()
	return &Carry[B]{lock: b.lock, v: b.v, refs: b.refs, phase: carryArmed}
}

// UpgradeYield blocks until no conversion is in flight on the shared
// lock.
func (b RWBase[B]) UpgradeYield() {
	b.lock.UpgradeYield()
}

// Carry keeps a lock held across the gap between a write guard and
// the read guards that follow it, for the "write first, then keep
// reading what was written" pattern. Without it the options are to
// hold a write guard for the whole read phase, or to release and
// re-read through an Upgrade that can fail with ErrConflict.
//
// A carry moves through three phases:
//
//  1. Armed: created by RW.Carry; no lock held yet.
//  2. Write-held: Carry.Write acquired the write lock. When that
//     write guard is released the lock is downgraded, not released.
//  3. Read-held: the carry owns a read lock; Carry.Read hands out any
//     number of read guards over it. Carry.Release drops it.
//
//	carry := u.Carry()
//	w := carry.Write()
//	w.Value().counter++
//	w.Release() // downgrades; the carry now holds a read lock
//	r := carry.Read()
//	observe(r.Value().counter)
//	r.Release()
//	carry.Release()
//
// A carry accepts exactly one Write; misusing the phase machine
// panics.
type Carry[T any] struct {
	lock  RWLocker
	v     *T
	refs  *refCounter
	phase carryPhase
}

type carryPhase uint8

const (
	carryArmed carryPhase = iota
	carryWrite
	carryRead
	carryReleased
)

// Write acquires the write lock and returns a write envelope whose
// Release downgrades the lock into the carry instead of unlocking.
func (c *Carry[T]) Write() *WriteGuard[T] {
	if c.phase != carryArmed {
		panic("guarded: a carry supports a single write guard")
	}
	c.phase = carryWrite
	c.refs.inc()
	c.lock.Lock()
	return &WriteGuard[T]{
		ReadGuard: ReadGuard[T]{ConstGuard[T]{
			lock: c.lock, v: c.v, refs: c.refs, state: stateRead2Write,
		}},
		carry: c,
	}
}

// Read returns a read envelope over the carried read lock. The write
// guard must have been created first. The envelope itself releases
// nothing; the carry keeps the read lock until its own Release.
func (c *Carry[T]) Read() *ReadGuard[T] {
	if c.phase != carryWrite && c.phase != carryRead {
		panic("guarded: carry must be passed to a write guard first")
	}
	c.refs.inc()
	return &ReadGuard[T]{ConstGuard[T]{lock: c.lock, v: c.v, refs: c.refs, state: stateCarry}}
}

// Release drops the carried read lock. Releasing an armed (never
// written) carry is fine; releasing one whose write guard is still
// live is misuse and panics.
func (c *Carry[T]) Release() {
	switch c.phase {
	case carryReleased:
		return
	case carryWrite:
		panic("guarded: carry released while its write guard is live")
	case carryRead:
		c.lock.RUnlock()
	case carryArmed:
		// Never locked anything.
	}
	c.phase = carryReleased
	c.refs.dec()
}
