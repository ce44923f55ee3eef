package guarded

import (
	"testing"
	"time"

	"github.com/mbraeken/guarded/internal/opt"
)

func TestMutexBasic(t *testing.T) {
	var m Mutex
	m.Lock()
	if !m.SelfLocked() {
		t.Fatal("SelfLocked false while holding the lock")
	}
	m.Unlock()
	if m.SelfLocked() {
		t.Fatal("SelfLocked true after Unlock")
	}
}

func TestMutexTryLock(t *testing.T) {
	var m Mutex
	if !m.TryLock() {
		t.Fatal("TryLock failed on a free mutex")
	}

	failed := make(chan bool, 1)
	go func() {
		failed <- !m.TryLock()
	}()
	select {
	case ok := <-failed:
		if !ok {
			t.Fatal("TryLock succeeded on a held mutex")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("TryLock blocked")
	}
	m.Unlock()
}

func TestMutexSelfLockedOtherGoroutine(t *testing.T) {
	var m Mutex
	m.Lock()
	defer m.Unlock()

	other := make(chan bool, 1)
	go func() {
		other <- m.SelfLocked()
	}()
	if <-other {
		t.Fatal("SelfLocked true on a goroutine that does not hold the lock")
	}
}

func TestMutexRecursiveLockPanics(t *testing.T) {
	if !opt.Checks_ {
		t.Skip("needs the checks build (-race or guarded_checks)")
	}
	var m Mutex
	m.Lock()
	defer m.Unlock()

	defer func() {
		if recover() == nil {
			t.Fatal("recursive Lock did not panic")
		}
	}()
	m.Lock()
}
