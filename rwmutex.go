package guarded

import (
	"runtime"
	"sync"
)

// RWMutex is the reference read/write lock: a plain mutex-and-condvar
// formulation of the same contract SpinRWLock implements with packed
// counters. It favors clarity over throughput and is the easiest
// implementation to audit.
//
// Writer priority: once a writer (or an upgrader) has announced
// itself, new readers block until the writer sequence has drained, so
// a steady stream of readers cannot starve writers.
//
// Zero-value usable.
type RWMutex struct {
	_  noCopy
	mu sync.Mutex

	// Wait channels, all bound to mu.
	unlocked       sync.Cond // readers == 0
	noWriterLeft   sync.Cond // readers >= 0 && waitingWriters == 0
	oneReaderLeft  sync.Cond // readers == 1 (for an upgrader)
	upgradeCleared sync.Cond // upgrades == 0

	readers        int // number of readers, or -1 while a writer holds the lock
	waitingWriters int // writers (and upgraders) between announce and acquire
	upgrades       int // goroutines inside Upgrade; 0 or 1 at rest
}

// lockState enters the state critical section, binding the condition
// variables on first use so the zero value works.
func (m *RWMutex) lockState() {
	m.mu.Lock()
	if m.unlocked.L == nil {
		m.unlocked.L = &m.mu
		m.noWriterLeft.L = &m.mu
		m.oneReaderLeft.L = &m.mu
		m.upgradeCleared.L = &m.mu
	}
}

// RLock acquires a read lock.
func (m *RWMutex) RLock() {
	m.lockState()
	for m.readers < 0 || m.waitingWriters > 0 {
		m.noWriterLeft.Wait()
	}
	m.readers++
	m.mu.Unlock()
}

// RUnlock releases a read lock. Notifications go out after the state
// mutex is dropped; the wait predicates filter out any that no longer
// apply.
func (m *RWMutex) RUnlock() {
	m.lockState()
	m.readers--
	r := m.readers
	m.mu.Unlock()

	if r == 1 {
		m.oneReaderLeft.Signal()
	} else if r == 0 {
		m.unlocked.Signal()
	}
}

// Lock acquires the write lock.
func (m *RWMutex) Lock() {
	m.lockState()
	m.waitingWriters++ // stop new readers from slipping past us
	for m.readers != 0 {
		m.unlocked.Wait()
	}
	m.waitingWriters--
	m.readers = -1
	m.mu.Unlock()
}

// Unlock releases the write lock. A queued writer, if any, is served
// before the readers are let back in.
func (m *RWMutex) Unlock() {
	m.lockState()
	m.readers = 0
	ww := m.waitingWriters
	m.mu.Unlock()

	if ww > 0 {
		m.unlocked.Signal()
	} else {
		m.noWriterLeft.Broadcast()
	}
}

// Downgrade converts the held write lock into a read lock.
//
// oneReaderLeft is deliberately not signalled: a waiter there held a
// read lock before, which is impossible while we held the write lock.
func (m *RWMutex) Downgrade() {
	m.lockState()
	m.readers = 1
	ww := m.waitingWriters
	m.mu.Unlock()

	if ww == 0 {
		m.noWriterLeft.Broadcast()
	}
}

// Upgrade converts the held read lock into a write lock without
// releasing it. Only one upgrade can be in flight: the second
// concurrent caller gets ErrConflict and must RUnlock, UpgradeYield
// and retry its read section.
//
// The caller must hold exactly one read lock on m.
func (m *RWMutex) Upgrade() error {
	m.lockState()
	m.upgrades++
	if m.upgrades > 1 {
		// Both upgraders hold a read lock and each waits for the
		// other's to go away. Unrecoverable here; the caller sorts it
		// out.
		m.upgrades--
		m.mu.Unlock()
		return ErrConflict
	}
	m.waitingWriters++
	for m.readers != 1 {
		m.oneReaderLeft.Wait()
	}
	m.waitingWriters--
	m.readers = -1
	m.upgrades--
	m.mu.Unlock()

	m.upgradeCleared.Broadcast()
	return nil
}

// UpgradeYield parks the caller until the winning upgrade has
// finished.
func (m *RWMutex) UpgradeYield() {
	runtime.Gosched()
	m.lockState()
	for m.upgrades > 0 {
		m.upgradeCleared.Wait()
	}
	m.mu.Unlock()
}
