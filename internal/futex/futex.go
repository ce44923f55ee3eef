// Package futex provides a kernel-wait primitive keyed on the address
// and expected value of a 32-bit word.
//
// Wait parks the calling thread while *addr still holds expected; Wake
// releases up to n parked threads. Both sides must tolerate spurious
// returns: Wait may return without a matching Wake (signal delivery,
// hash collisions on the fallback implementation, or the word changing
// between the caller's load and the sleep). Callers therefore always
// re-check their own state in a loop.
//
// On Linux this is the futex(2) system call. Elsewhere a hashed table
// of mutex/condition pairs provides the same contract.
package futex
