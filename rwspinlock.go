package guarded

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mbraeken/guarded/internal/opt"
	"github.com/mbraeken/guarded/internal/trace"
	"go.uber.org/zap"
)

// SpinRWLock is a read/write lock whose entire state lives in one
// 64-bit atomic word, so every fast-path acquire and release is a
// single fetch-add.
//
// The word packs four 16-bit counters, least significant first:
//
//	R  active readers            (>= 0)
//	W  active writers            (>= 0, at most 1 at rest)
//	C  read-to-write converters  (>= 0, at most 1 at rest)
//	V  negated writer-presence   (<= 0)
//
// Every writer and converter decrements V, so the sign bit of the
// whole word answers the one question new readers ask: "is any writer
// around?". Readers that see a negative word back off; everything else
// is a fetch-add plus an inspection of the previous value.
//
// Priority between classes is: active writer > converter > waiting
// writer > new reader. There is no ordering within a class.
//
// Properties:
//   - Zero-value usable.
//   - Uncontended RLock/RUnlock/Lock/Unlock are one atomic RMW.
//   - Writers spin while readers drain, then sleep on a condition
//     variable; blocked readers sleep immediately.
//   - Upgrade (read to write without unlocking) is supported for one
//     goroutine at a time; a second concurrent Upgrade fails with
//     ErrConflict.
//
// Sizing: 16 bits per counter caps the concurrent goroutines per lock
// well below 1<<15; transient excursions during failed attempts use
// part of the headroom.
type SpinRWLock struct {
	_     noCopy
	state atomic.Int64
	_     [opt.CacheLineSize_ - 8]byte

	readersMu   sync.Mutex
	readersCond sync.Cond
	writersMu   sync.Mutex
	writersCond sync.Cond
}

// One unit per counter field.
const (
	spinR = int64(1)
	spinW = spinR << 16
	spinC = spinW << 16
	spinV = spinC << 16

	spinRMask = spinW - 1
	spinWMask = spinC - spinW
	spinCMask = spinV - spinC
	spinLow48 = spinV - 1 // R, W and C together
)

// The transitions. Each operation is a single signed fetch-add of one
// of these constants; the previous value decides what happens next.
const (
	oneRdlock   = spinR
	oneRdunlock = -spinR
	// A reader that saw a writer takes its optimistic +R back.
	failedRdlock = -spinR

	oneWrlock   = spinW - spinV
	oneWrunlock = spinV - spinW
	// A writer that lost withdraws its W but leaves waiting-writer
	// marks in V so new readers keep backing off.
	failedWrlock = -spinW - spinV
	// Reclaim the W withdrawn by failedWrlock.
	finalizeWrlock = spinW + spinV

	oneWr2rdlock = spinR + spinV - spinW

	oneRd2wrlock  = spinC - spinV
	undoRd2wrlock = spinV - spinC
	// Trade the converter slot and the held read lock for the write
	// lock. As an integer, oneRdlock + oneRd2wrlock +
	// successfulRd2wrlock == oneWrlock.
	successfulRd2wrlock = spinW - spinC - spinR
)

// State predicates; all are single-mask tests because R, W and C are
// never negative and V is never positive.
func writerPresent(s int64) bool             { return s < 0 }
func readerPresent(s int64) bool             { return s&spinRMask != 0 }
func otherReadersPresent(s int64) bool       { return s&spinRMask > 1 }
func convertingOrWriterPresent(s int64) bool { return s&(spinCMask|spinWMask) != 0 }
func convertingPresent(s int64) bool         { return s&spinCMask != 0 }
func actualWriterPresent(s int64) bool       { return s&spinWMask != 0 }

// decodeTransition splits a packed increment into its four signed
// 16-bit deltas, undoing the borrow a negative low field propagates
// into the field above it.
func decodeTransition(inc int64) (dv, dc, dw, dr int16) {
	dr = int16(inc)
	inc = (inc - int64(dr)) >> 16
	dw = int16(inc)
	inc = (inc - int64(dw)) >> 16
	dc = int16(inc)
	inc = (inc - int64(dc)) >> 16
	dv = int16(inc)
	return
}

// The removes* predicates classify an increment by which sleepers it
// could release. They only depend on the increment, so at every call
// site with a constant transition they fold to a constant.

// removesWriter: the transition can take the word from negative to
// non-negative, i.e. wake blocked readers.
func removesWriter(inc int64) bool {
	dv, dc, dw, _ := decodeTransition(inc)
	return dv > 0 || dc < 0 || dw < 0
}

// removesConvertingOrActualWriter: the transition can clear the C|W
// fields, i.e. wake a sleeping writer.
func removesConvertingOrActualWriter(inc int64) bool {
	_, dc, dw, _ := decodeTransition(inc)
	return (dc < 0 || dw < 0) && !(dc > 0 || dw > 0)
}

// removesConvertingWriter: the transition can clear C, i.e. release
// UpgradeYield sleepers.
func removesConvertingWriter(inc int64) bool {
	_, dc, _, _ := decodeTransition(inc)
	return dc < 0
}

func removesActualWriter(inc int64) bool {
	_, _, dw, _ := decodeTransition(inc)
	return dw < 0
}

// apply performs one transition and returns the previous state.
//
// This is the synchronization backbone: a transition that could
// release sleepers is applied while holding the matching condition
// mutex(es), so a sleeper can never check its predicate, decide to
// sleep, and miss the wakeup in between. The notifications themselves
// are issued after the mutexes are dropped so woken goroutines do not
// immediately block on them.
func (l *SpinRWLock) apply(inc int64) int64 {
	if !removesWriter(inc) {
		return l.state.Add(inc) - inc
	}
	l.readersMu.Lock()
	writers := removesConvertingOrActualWriter(inc) || removesConvertingWriter(inc)
	if writers {
		l.writersMu.Lock()
	}
	prev := l.state.Add(inc) - inc
	if writers {
		l.writersMu.Unlock()
	}
	l.readersMu.Unlock()

	now := prev + inc
	if writerPresent(prev) && !writerPresent(now) {
		l.readersCond.Broadcast()
	}
	if (convertingPresent(prev) && !convertingPresent(now)) ||
		(convertingOrWriterPresent(prev) && !convertingOrWriterPresent(now)) ||
		(actualWriterPresent(prev) && !actualWriterPresent(now)) {
		// Always a broadcast: writers, a converter and UpgradeYield
		// sleepers share this channel, and a single wakeup delivered
		// to a party whose predicate still fails would be swallowed,
		// stranding the one it was meant for.
		l.writersCond.Broadcast()
	}
	return prev
}

// RLock acquires a read lock, blocking while any writer holds or
// awaits the lock.
func (l *SpinRWLock) RLock() {
	if prev := l.state.Add(oneRdlock) - oneRdlock; writerPresent(prev) {
		l.rlockBlocked()
	}
}

func (l *SpinRWLock) rlockBlocked() {
	if trace.On() {
		trace.L().Debug("rlock blocked", zap.Int64("state", l.state.Load()))
	}
	for {
		// Take back the optimistic +R, then sleep until the writers
		// are gone.
		l.state.Add(failedRdlock)

		locked := false
		l.readersMu.Lock()
		if l.readersCond.L == nil {
			l.readersCond.L = &l.readersMu
		}
		for {
			// The CAS does double duty: it grabs a read lock outright
			// when the word is fully unlocked, and otherwise its
			// failure gives us a fresh snapshot to decide whether to
			// keep sleeping. Sleeping is safe because every
			// transition that can clear the sign bit runs under
			// readersMu (see apply).
			if l.state.CompareAndSwap(0, oneRdlock) {
				locked = true
				break
			}
			if !writerPresent(l.state.Load()) {
				break
			}
			l.readersCond.Wait()
		}
		l.readersMu.Unlock()
		if locked {
			return
		}
		if prev := l.state.Add(oneRdlock) - oneRdlock; !writerPresent(prev) {
			return
		}
	}
}

// RUnlock releases a read lock. No notification is needed: writers
// waiting for readers spin on the R field.
func (l *SpinRWLock) RUnlock() {
	l.apply(oneRdunlock)
}

// Lock acquires the write lock.
func (l *SpinRWLock) Lock() {
	if prev := l.apply(oneWrlock); prev == 0 {
		return
	}
	if trace.On() {
		trace.L().Debug("wrlock blocked", zap.Int64("state", l.state.Load()))
	}
	for {
		// Withdraw the W but keep V marks: new readers stay blocked
		// while we queue.
		l.apply(failedWrlock)

		var spins int
		for readerPresent(l.state.Load()) {
			delay(&spins)
		}

		locked := false
		l.writersMu.Lock()
		if l.writersCond.L == nil {
			l.writersCond.L = &l.writersMu
		}
		for {
			cur := l.state.Load()
			if cur&spinLow48 == 0 {
				// Only waiting-writer marks left; claim the lock.
				if l.state.CompareAndSwap(cur, cur+finalizeWrlock) {
					locked = true
					break
				}
				continue
			}
			if !convertingOrWriterPresent(cur) {
				// We lost only to readers and/or V churn; retry the
				// whole sequence instead of sleeping, because reader
				// releases do not notify.
				break
			}
			l.writersCond.Wait()
		}
		l.writersMu.Unlock()
		if locked {
			return
		}
		if prev := l.apply(finalizeWrlock); prev&spinLow48 == 0 {
			return
		}
	}
}

// Unlock releases the write lock.
func (l *SpinRWLock) Unlock() {
	l.apply(oneWrunlock)
}

// Downgrade converts the held write lock into a read lock without a
// window in which other writers could slip in.
func (l *SpinRWLock) Downgrade() {
	l.apply(oneWr2rdlock)
}

// Upgrade converts the held read lock into a write lock without
// releasing it. If another goroutine is already converting, Upgrade
// returns ErrConflict and the caller still holds its read lock; it
// must RUnlock, UpgradeYield and retry its whole read section.
//
// The caller must hold exactly one read lock on l.
func (l *SpinRWLock) Upgrade() error {
	prev := l.state.Add(oneRd2wrlock) - oneRd2wrlock
	if convertingPresent(prev) {
		l.apply(undoRd2wrlock)
		if trace.On() {
			trace.L().Debug("upgrade conflict", zap.Int64("state", l.state.Load()))
		}
		return ErrConflict
	}
	if prev&spinLow48 == spinR {
		// Sole reader, no writers: trade read for write outright.
		l.apply(successfulRd2wrlock)
		return nil
	}

	// Converters outrank waiting writers: wait only for the other
	// readers to drain...
	var spins int
	for otherReadersPresent(l.state.Load()) {
		delay(&spins)
	}

	// ...then take the write lock, sleeping through any transient W
	// claimed by a waiting writer's optimistic attempt. Holding our C
	// guarantees such a writer backs off again and notifies.
	l.writersMu.Lock()
	if l.writersCond.L == nil {
		l.writersCond.L = &l.writersMu
	}
	for {
		cur := l.state.Load()
		if !actualWriterPresent(cur) {
			if l.state.CompareAndSwap(cur, cur+successfulRd2wrlock) {
				break
			}
			continue
		}
		l.writersCond.Wait()
	}
	l.writersMu.Unlock()
	// C dropped to zero: release UpgradeYield sleepers.
	l.writersCond.Broadcast()
	return nil
}

// UpgradeYield parks the caller until no conversion is in flight. It
// is the second half of the ErrConflict protocol: the loser releases
// its read lock and waits here so the winner can finish.
func (l *SpinRWLock) UpgradeYield() {
	runtime.Gosched()
	l.writersMu.Lock()
	if l.writersCond.L == nil {
		l.writersCond.L = &l.writersMu
	}
	for convertingPresent(l.state.Load()) {
		l.writersCond.Wait()
	}
	l.writersMu.Unlock()
}
