//go:build linux

package futex

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) opcode constants. golang.org/x/sys/unix does not
// export these (it only exports the SYS_FUTEX syscall number).
const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

// Wait performs one FUTEX_WAIT attempt. It returns once the thread was
// woken, the word no longer held expected (EAGAIN), or the sleep was
// interrupted by a signal (EINTR). The caller re-checks and loops.
func Wait(addr *uint32, expected uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait|futexPrivateFlag),
		uintptr(expected),
		0, 0, 0)
}

// Wake wakes up to n threads blocked in Wait on addr and reports how
// many were actually woken.
func Wake(addr *uint32, n uint32) uint32 {
	woken, _, _ := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake|futexPrivateFlag),
		uintptr(n),
		0, 0, 0)
	return uint32(woken)
}
