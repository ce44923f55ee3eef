package guarded

import (
	"github.com/mbraeken/guarded/internal/opt"
)

// RWLocker is the lock contract of the RW wrapper: shared/exclusive
// locking plus both conversions. *SpinRWLock and *RWMutex implement
// it.
type RWLocker interface {
	RLock()
	RUnlock()
	Lock()
	Unlock()
	// Downgrade converts the held write lock into a read lock without
	// letting another writer in between.
	Downgrade()
	// Upgrade converts the held read lock into a write lock without
	// releasing it; it fails with ErrConflict when another goroutine
	// is already converting.
	Upgrade() error
	// UpgradeYield blocks until no conversion is in flight; the loser
	// of an Upgrade conflict calls it after releasing its read lock.
	UpgradeYield()
}

// guardState records what a guard's Release must do with the lock.
type guardState uint8

const (
	stateReleased guardState = iota
	stateRead                // plain read guard: Release read-unlocks
	stateRead2Write          // write guard from a promotion or carry: Release downgrades
	stateWrite               // fresh write guard: Release write-unlocks
	stateWrite2Write         // borrowed view of a live write guard: Release leaves the lock alone
	stateCarry               // read guard over a carry-held read lock: the carry releases
)

// ConstGuard is the read-only access envelope: it holds a read lock
// (or a view into a longer-lived one) for its lifetime and cannot be
// promoted to write access. The value it exposes must not be
// mutated.
//
// Guards are not safe for concurrent use; each belongs to the
// goroutine that created it.
type ConstGuard[T any] struct {
	lock  RWLocker
	v     *T
	refs  *refCounter
	state guardState
}

// Value returns the guarded value for reading.
func (g *ConstGuard[T]) Value() *T {
	if opt.Checks_ && g.state == stateReleased {
		panic("guarded: use of a released guard")
	}
	return g.v
}

// Release gives up the guard's access. Releasing twice is a no-op; a
// released guard must not be used again.
func (g *ConstGuard[T]) Release() {
	switch g.state {
	case stateReleased:
		return
	case stateRead:
		g.lock.RUnlock()
	case stateWrite:
		g.lock.Unlock()
	case stateRead2Write:
		g.lock.Downgrade()
	case stateWrite2Write, stateCarry:
		// Borrowed or carried: the owning guard or carry unlocks.
	}
	g.state = stateReleased
	g.refs.dec()
}

// ReadGuard is the read access envelope. It can do everything
// ConstGuard can, and can additionally be promoted to a WriteGuard.
//
// Pass &g.ConstGuard to functions that only need read access; that
// hands out the same envelope without releasing anything.
type ReadGuard[T any] struct {
	ConstGuard[T]
}

// Upgrade promotes the read guard to a write guard without releasing
// the read lock.
//
// On ErrConflict the read guard is untouched and still valid; the
// caller must Release it, call UpgradeYield on the wrapper, and retry
// its whole read section (whatever it read may be stale by the time
// the retry acquires).
//
// On success the returned write guard must be released before this
// read guard: its Release converts the lock back to read, which this
// guard then owns again.
//
// Upgrading the read view of a live write guard yields a borrowed
// write guard over the same lock (no lock operation, Release is a
// no-op on the lock).
func (g *ReadGuard[T]) Upgrade() (*WriteGuard[T], error) {
	switch g.state {
	case stateRead:
		if err := g.lock.Upgrade(); err != nil {
			return nil, err
		}
		g.refs.inc()
		return &WriteGuard[T]{ReadGuard: ReadGuard[T]{ConstGuard[T]{
			lock: g.lock, v: g.v, refs: g.refs, state: stateRead2Write,
		}}}, nil
	case stateRead2Write, stateWrite, stateWrite2Write:
		g.refs.inc()
		return &WriteGuard[T]{ReadGuard: ReadGuard[T]{ConstGuard[T]{
			lock: g.lock, v: g.v, refs: g.refs, state: stateWrite2Write,
		}}}, nil
	case stateCarry:
		// The carry's read phase exists precisely because a second
		// write acquisition could conflict; upgrading here defeats it.
		panic("guarded: a carry supports a single write guard")
	default:
		panic("guarded: Upgrade on a released guard")
	}
}

// WriteGuard is the write access envelope: exclusive access for its
// lifetime. Pass &g.ReadGuard (or &g.ConstGuard) to functions that
// only need read access; the write lock is not released by that.
type WriteGuard[T any] struct {
	ReadGuard[T]

	// Set when the guard was created from a Carry: Release downgrades
	// and hands the read lock over to it.
	carry *Carry[T]
}

// Release gives up write access. A fresh write guard unlocks; a
// promoted one downgrades back to the read lock its parent guard
// holds; one created from a carry downgrades and leaves the read lock
// with the carry.
func (g *WriteGuard[T]) Release() {
	if g.carry != nil && g.state == stateRead2Write {
		g.state = stateReleased
		g.lock.Downgrade()
		g.carry.phase = carryRead
		g.refs.dec()
		return
	}
	g.ConstGuard.Release()
}
