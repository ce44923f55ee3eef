// Package trace is the library's debug channel. It is off by default
// and costs one atomic load per probe when disabled; slow paths (lock
// contention, registry growth, semaphore blocking) are the only call
// sites.
package trace

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	enabled atomic.Bool
	logger  atomic.Pointer[zap.Logger]
)

// Enable routes slow-path tracing to l. Passing nil disables tracing
// again.
func Enable(l *zap.Logger) {
	if l == nil {
		enabled.Store(false)
		return
	}
	logger.Store(l)
	enabled.Store(true)
}

// On reports whether tracing is enabled. Call sites guard on this
// before building fields.
func On() bool {
	return enabled.Load()
}

// L returns the active logger. Never nil.
func L() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}
