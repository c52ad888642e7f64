// Package lifecycle holds process-wide run state shared by main and the health handler.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	startedAt    atomic.Int64
)

func init() {
	MarkStarted(time.Now())
}

// SetShuttingDown sets the draining flag. Set when SIGTERM/SIGINT is received;
// /health reports shutting-down with 503 while it is true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkStarted records when the server began accepting traffic.
func MarkStarted(t time.Time) {
	startedAt.Store(t.UnixNano())
}

// Uptime returns the time elapsed since MarkStarted.
func Uptime(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, startedAt.Load()))
}
