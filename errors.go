package guarded

import "errors"

// ErrConflict is returned by Upgrade when another goroutine is already
// converting its read lock into a write lock. Two simultaneous
// conversions cannot both make progress: each waits for the other to
// release its read lock.
//
// ErrConflict is expected control flow, not a bug. The caller must
// release its read lock (invalidating anything it observed while
// reading), call UpgradeYield to let the winning conversion finish,
// and retry from the top of its read section.
var ErrConflict = errors.New("guarded: conflicting read-to-write upgrade")
