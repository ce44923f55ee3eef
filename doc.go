// Package guarded provides object-oriented synchronization: values
// wrapped together with their lock, reachable only through scoped
// access envelopes, over a family of read/write locks with priority
// guarantees and read<->write conversion.
//
// # Wrappers and envelopes
//
// A wrapper owns one value and one lock. Access goes through guards
// obtained from the wrapper — a guard acquires the lock when created
// and releases it in Release, and only a guard exposes the value, so
// unlocked access does not typecheck.
//
// Three wrapper policies cover the usual trade-offs:
//
//   - RW: a read/write lock (SpinRWLock by default, RWMutex or any
//     RWLocker via NewRWWith). Guards: ConstGuard (read-only, not
//     promotable), ReadGuard (promotable to write via Upgrade),
//     WriteGuard, and the write-to-read Carry.
//   - Mu: one plain mutex behind the same envelope shapes, for data
//     where reader concurrency buys nothing.
//   - Local: no lock at all; proves single-goroutine use under the
//     checks build.
//
// RWBase and MuBase are component views: they adapt a wrapper of a
// struct into a wrapper of one of its embedded parts, sharing the
// same lock.
//
// # Upgrades
//
// ReadGuard.Upgrade converts a held read lock into a write lock
// without unlocking. When two goroutines try this at once neither can
// ever succeed, so one of them loses early and gets ErrConflict; the
// loser releases its read guard, calls UpgradeYield to let the winner
// finish, and redoes its read section. This is routine control flow
// in read-mostly structures that occasionally fix something up —
// see Registry's growth path for a complete example.
//
// # Leaf primitives
//
// The locks and helpers underneath are exported too: SpinRWLock (the
// packed-counter spin lock), RWMutex (its condvar-based reference
// twin), Mutex (non-recursive, owner-checked), Semaphore (futex-backed
// token counter), Gate (open-once barrier), Registry (lock-free index
// recycling pointer store) and Group (keyed wrappers).
//
// # Checks build
//
// Building with -race or the guarded_checks tag arms the misuse
// assertions: recursive Mutex acquisition, Local ownership, use of
// released guards, and semaphore overflow. The envelope leak counters
// (CheckIdle) are active in every build. All of these are programming
// errors and panic; the only error a correct program ever handles is
// ErrConflict.
package guarded
