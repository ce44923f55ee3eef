package guarded

import (
	"sync/atomic"
	"unsafe"

	"github.com/mbraeken/guarded/internal/futex"
)

// Gate blocks any number of goroutines until it is opened. Once open
// it stays open: Wait returns immediately forever after.
//
// State, one 64-bit word:
//
//	Bit 63:   open flag
//	Bit 0-31: waiter count
//
// Waiters sleep on the low half of the word via the kernel-wait
// primitive, keyed on the waiter count they registered with, so an
// Open racing with a late arrival can never be missed.
//
// It is zero-value usable (starts closed).
type Gate struct {
	_     noCopy
	state atomic.Uint64
}

const gateOpenBit = uint64(1) << 63

// waitWord returns the address of the 32 least significant bits of
// the state word, which is what the kernel-wait primitive is keyed on.
func (g *Gate) waitWord() *uint32 {
	p := unsafe.Pointer(&g.state)
	if hostBigEndian {
		p = unsafe.Add(p, 4)
	}
	return (*uint32)(p)
}

// Wait blocks until the gate is opened. If it is already open it
// returns immediately.
func (g *Gate) Wait() {
	for {
		s := g.state.Load()
		if s&gateOpenBit != 0 {
			return
		}
		if !g.state.CompareAndSwap(s, s+1) {
			continue
		}
		for {
			cur := g.state.Load()
			if cur&gateOpenBit != 0 {
				return
			}
			// Sleeps only while the count half still reads as it did;
			// Open rewrites the word first, so this cannot miss it.
			futex.Wait(g.waitWord(), uint32(cur))
		}
	}
}

// Open opens the gate and wakes every waiter. Opening an open gate is
// a no-op.
func (g *Gate) Open() {
	for {
		s := g.state.Load()
		if s&gateOpenBit != 0 {
			return
		}
		if g.state.CompareAndSwap(s, gateOpenBit) {
			if uint32(s) > 0 {
				futex.Wake(g.waitWord(), ^uint32(0))
			}
			return
		}
	}
}

// IsOpen reports whether the gate has been opened.
func (g *Gate) IsOpen() bool {
	return g.state.Load()&gateOpenBit != 0
}

// hostBigEndian is true on big-endian targets; it selects which half
// of a 64-bit word the 32-bit kernel-wait key lives in.
var hostBigEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 0
}()
