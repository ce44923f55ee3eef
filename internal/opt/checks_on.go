//go:build guarded_checks || race

package opt

// Checks_ enables the misuse assertions: use of a released guard,
// recursive Mutex detection, Local ownership checks and semaphore
// overflow detection. On when built with -race or the guarded_checks
// build tag.
const Checks_ = true
