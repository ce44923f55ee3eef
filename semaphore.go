package guarded

import (
	"sync/atomic"
	"unsafe"

	"github.com/mbraeken/guarded/internal/futex"
	"github.com/mbraeken/guarded/internal/opt"
	"github.com/mbraeken/guarded/internal/trace"
	"go.uber.org/zap"
)

// Semaphore is a counting semaphore over a single 64-bit word and the
// kernel-wait primitive:
//
//	|____32 most significant bits____|____32 least significant bits___|
//	 [    number of blocked waiters  ][   number of available tokens  ]
//
// Goroutines that wake up cannot know whether the wakeup was for them;
// they simply try again to grab a token or go back to sleep. Spurious
// wakeups and signal interruption are absorbed by the same retry loop.
//
// The token count must stay below 1<<32; exceeding it is a caller bug
// (panics under the checks build).
type Semaphore struct {
	_    noCopy
	word atomic.Uint64
}

const (
	semaWaiterShift = 32
	semaOneWaiter   = uint64(1) << semaWaiterShift
	semaTokensMask  = semaOneWaiter - 1
)

// NewSemaphore creates a Semaphore holding tokens.
func NewSemaphore(tokens uint32) *Semaphore {
	s := &Semaphore{}
	s.word.Store(uint64(tokens))
	return s
}

// tokenWord returns the address of the token half of the word; the
// kernel-wait primitive is keyed on it.
func (s *Semaphore) tokenWord() *uint32 {
	p := unsafe.Pointer(&s.word)
	if hostBigEndian {
		p = unsafe.Add(p, 4)
	}
	return (*uint32)(p)
}

// Post adds n tokens. If goroutines are blocked in Wait, up to n of
// them are woken with a single wake call; each then competes for one
// of the new tokens.
func (s *Semaphore) Post(n uint32) {
	prev := s.word.Add(uint64(n)) - uint64(n)
	if opt.Checks_ && (prev&semaTokensMask)+uint64(n) > semaTokensMask {
		panic("guarded: Semaphore token overflow")
	}
	if prev>>semaWaiterShift > 0 {
		futex.Wake(s.tokenWord(), n)
	}
}

// Wait takes one token, blocking until one is available.
func (s *Semaphore) Wait() {
	// Fast path: grab a token without ever touching the waiter half.
	word := s.word.Load()
	for word&semaTokensMask > 0 {
		if s.word.CompareAndSwap(word, word-1) {
			return
		}
		word = s.word.Load()
	}

	// We are (likely) going to block; register as a waiter first so a
	// racing Post knows to wake someone.
	word = s.word.Add(semaOneWaiter)
	if trace.On() {
		trace.L().Debug("semaphore wait blocked",
			zap.Uint64("tokens", word&semaTokensMask),
			zap.Uint64("waiters", word>>semaWaiterShift))
	}
	for {
		if word&semaTokensMask == 0 {
			// The kernel wait fails fast when the token half changed
			// between our load and the sleep; either way we reload
			// and retry, which also soaks up interrupts and spurious
			// wakeups.
			futex.Wait(s.tokenWord(), 0)
			word = s.word.Load()
			continue
		}
		// Grab a token and stop being a waiter in one step.
		if s.word.CompareAndSwap(word, word-semaOneWaiter-1) {
			return
		}
		word = s.word.Load()
	}
}

// TryWait takes a token if one is immediately available. It never
// touches the waiter half.
func (s *Semaphore) TryWait() bool {
	word := s.word.Load()
	for word&semaTokensMask > 0 {
		if s.word.CompareAndSwap(word, word-1) {
			return true
		}
		word = s.word.Load()
	}
	return false
}
