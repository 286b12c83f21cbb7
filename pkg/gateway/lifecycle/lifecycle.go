// Package lifecycle tracks process-wide drain state. The readiness probe
// and the voice WebSocket handler both consult it, so new sessions stop
// arriving before in-flight ones are waited out at shutdown.
package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
type Lifecycle struct {
	draining atomic.Bool
}

// SetDraining flips the drain flag. The shutdown path sets it before
// closing the HTTP listener. Nil-safe.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

// IsDraining reports whether the process has begun shutting down.
func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
